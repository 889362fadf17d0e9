package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keychainkit/keychain-go"
)

// DBTX is implemented by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Schema creates the orders table.
const Schema = `
CREATE TABLE IF NOT EXISTS keychain_orders (
	id               TEXT PRIMARY KEY,
	rail             TEXT NOT NULL,
	requested_amount NUMERIC NOT NULL,
	fee              NUMERIC NOT NULL,
	deposit_amount   NUMERIC NOT NULL,
	deposit_address  TEXT NOT NULL,
	token_address    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	receipt          JSONB,
	message          TEXT NOT NULL DEFAULT '',
	abandoned        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS keychain_orders_status_idx ON keychain_orders (status);
`

// terminalStatuses is kept in sync with keychain.OrderStatus.Terminal.
var terminalStatuses = []string{
	string(keychain.StatusConfirmed),
	string(keychain.StatusFailed),
	string(keychain.StatusExpired),
	string(keychain.StatusTimedOut),
}

// Postgres is an OrderStore backed by PostgreSQL.
type Postgres struct {
	db   DBTX
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection or transaction.
func NewPostgres(db DBTX) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{db: pool, pool: pool}, nil
}

// Migrate creates the schema if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate orders table: %w", err)
	}
	return nil
}

// Close closes the pool opened by OpenPostgres.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Save implements OrderStore. Updates older than the stored row are ignored.
func (p *Postgres) Save(ctx context.Context, snap keychain.OrderSnapshot) error {
	var receipt []byte
	if snap.Receipt != nil {
		var err error
		receipt, err = json.Marshal(snap.Receipt)
		if err != nil {
			return err
		}
	}

	_, err := p.db.Exec(ctx, `
		INSERT INTO keychain_orders (
			id, rail, requested_amount, fee, deposit_amount, deposit_address, token_address,
			status, receipt, message, abandoned, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			fee = EXCLUDED.fee,
			deposit_amount = EXCLUDED.deposit_amount,
			status = EXCLUDED.status,
			receipt = EXCLUDED.receipt,
			message = EXCLUDED.message,
			abandoned = EXCLUDED.abandoned,
			updated_at = EXCLUDED.updated_at
		WHERE keychain_orders.updated_at <= EXCLUDED.updated_at
	`,
		snap.ID,
		string(snap.Rail),
		snap.RequestedAmount,
		snap.Fee,
		snap.DepositAmount,
		snap.DepositAddress,
		snap.TokenAddress,
		string(snap.Status),
		receipt,
		snap.Message,
		snap.Abandoned,
		snap.CreatedAt,
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", snap.ID, err)
	}
	return nil
}

const selectColumns = `
	SELECT id, rail, requested_amount::TEXT, fee::TEXT, deposit_amount::TEXT, deposit_address,
		token_address, status, receipt, message, abandoned, created_at, updated_at
	FROM keychain_orders`

// Get implements OrderStore.
func (p *Postgres) Get(ctx context.Context, id string) (keychain.OrderSnapshot, error) {
	snap, err := scanSnapshot(p.db.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return keychain.OrderSnapshot{}, keychain.ErrOrderNotFound
	}
	return snap, err
}

// ListActive implements OrderStore.
func (p *Postgres) ListActive(ctx context.Context) ([]keychain.OrderSnapshot, error) {
	rows, err := p.db.Query(ctx, selectColumns+` WHERE status <> ALL($1) ORDER BY created_at`, terminalStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list active orders: %w", err)
	}
	defer rows.Close()

	var active []keychain.OrderSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, snap)
	}
	return active, rows.Err()
}

func scanSnapshot(row pgx.Row) (keychain.OrderSnapshot, error) {
	var (
		snap    keychain.OrderSnapshot
		rail    string
		status  string
		receipt []byte
	)
	err := row.Scan(
		&snap.ID,
		&rail,
		&snap.RequestedAmount,
		&snap.Fee,
		&snap.DepositAmount,
		&snap.DepositAddress,
		&snap.TokenAddress,
		&status,
		&receipt,
		&snap.Message,
		&snap.Abandoned,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		return keychain.OrderSnapshot{}, err
	}
	snap.Rail = keychain.Rail(rail)
	snap.Status = keychain.OrderStatus(status)
	if len(receipt) > 0 {
		snap.Receipt = &keychain.SubmissionReceipt{}
		if err := json.Unmarshal(receipt, snap.Receipt); err != nil {
			return keychain.OrderSnapshot{}, fmt.Errorf("failed to decode receipt of %s: %w", snap.ID, err)
		}
	}
	return snap, nil
}
