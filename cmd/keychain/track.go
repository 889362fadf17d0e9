package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/urfave/cli/v3"

	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/engine"
	"github.com/keychainkit/keychain-go/internal/poll"
	"github.com/keychainkit/keychain-go/orderapi"
	"github.com/keychainkit/keychain-go/settlement/svm"
)

func trackCommand() *cli.Command {
	return &cli.Command{
		Name:  "track",
		Usage: "Follow an order, or a Solana deposit signature, to a terminal status",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "order",
				Usage: "Order id to poll on the order API",
			},
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Solana transaction signature to wait on instead of an order",
			},
			&cli.StringFlag{
				Name:    "api",
				Usage:   "Order API base URL",
				Sources: cli.EnvVars("ORDER_API_URL"),
			},
			&cli.StringFlag{
				Name:    "key-name",
				Usage:   "Order API key name",
				Sources: cli.EnvVars("ORDER_API_KEY_NAME"),
			},
			&cli.StringFlag{
				Name:    "key-secret",
				Usage:   "Order API key secret (PEM)",
				Sources: cli.EnvVars("ORDER_API_KEY_SECRET"),
			},
			&cli.StringFlag{
				Name:    "solana-rpc",
				Value:   rpc.MainNetBeta_RPC,
				Usage:   "Solana RPC URL",
				Sources: cli.EnvVars("SOLANA_RPC_URL"),
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: engine.DefaultStatusInterval,
				Usage: "Poll interval",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: engine.DefaultBridgeCeiling,
				Usage: "Give up after this long",
			},
		},
		Action: runTrack,
	}
}

func runTrack(ctx context.Context, cmd *cli.Command) error {
	w := cmd.Root().Writer
	orderID, signature := cmd.String("order"), cmd.String("signature")
	if (orderID == "") == (signature == "") {
		return fmt.Errorf("exactly one of --order or --signature must be provided")
	}

	if signature != "" {
		adapter := svm.New(rpc.New(cmd.String("solana-rpc")), nil,
			svm.WithFinalityPolling(cmd.Duration("interval"), cmd.Duration("timeout")),
			svm.WithLogger(slog.Default()),
		)
		receipt := keychain.NewSubmissionReceipt(keychain.RailSolana, signature, time.Now())
		if err := adapter.AwaitFinality(ctx, receipt); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "%s: finalized %s\n", signature, receipt.ExplorerLink)
		return err
	}

	if cmd.String("api") == "" {
		return fmt.Errorf("--api or ORDER_API_URL must be provided")
	}
	api, err := orderAPIClient(cmd.String("api"), cmd.String("key-name"), cmd.String("key-secret"))
	if err != nil {
		return err
	}

	poller := poll.Poller{Interval: cmd.Duration("interval"), Ceiling: cmd.Duration("timeout")}
	status, err := trackOrder(ctx, api, orderID, poller, w)
	if err != nil {
		return err
	}
	switch status {
	case orderapi.StatusFailed:
		return cli.Exit(engine.MessageFailed, 1)
	case orderapi.StatusExpired:
		return cli.Exit(engine.MessageExpired, 1)
	}
	return nil
}

type statusAPI interface {
	OrderStatus(ctx context.Context, orderID string) (*orderapi.StatusResponse, error)
}

// trackOrder polls the order API until the order reports a terminal status,
// printing every status change. Lookup failures are printed and retried on
// the next tick.
func trackOrder(ctx context.Context, api statusAPI, orderID string, poller poll.Poller, w io.Writer) (orderapi.Status, error) {
	var last orderapi.Status
	err := poller.Run(ctx, func(ctx context.Context) (bool, error) {
		resp, err := api.OrderStatus(ctx, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			fmt.Fprintf(w, "%s: lookup failed: %v\n", orderID, err)
			return false, nil
		}

		if resp.Status != last {
			last = resp.Status
			line := fmt.Sprintf("%s: %s", orderID, resp.Status)
			if resp.TxHash != "" {
				line += " tx=" + resp.TxHash
			}
			fmt.Fprintln(w, line)
		}

		switch resp.Status {
		case orderapi.StatusConfirmed, orderapi.StatusCompleted, orderapi.StatusFailed, orderapi.StatusExpired:
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, poll.ErrCeiling) {
		return last, keychain.NewError(keychain.KindTimeout, keychain.ErrCodeConfirmationTimeout, engine.MessageMayBeCharged, keychain.ErrConfirmationTimeout).
			WithDetails("order", orderID).
			WithDetails("ceiling", poller.Ceiling.String())
	}
	return last, err
}

// orderAPIClient builds an order API client, signing requests when a key is
// given. Secrets read from the environment may carry escaped newlines.
func orderAPIClient(baseURL, keyName, keySecret string) (*orderapi.Client, error) {
	opts := []orderapi.Option{orderapi.WithLogger(slog.Default())}
	if keyName != "" {
		host := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
		host, _, _ = strings.Cut(host, "/")
		auth, err := orderapi.NewKeyAuth(keyName, strings.ReplaceAll(keySecret, `\n`, "\n"), host)
		if err != nil {
			return nil, fmt.Errorf("invalid order API key: %w", err)
		}
		opts = append(opts, orderapi.WithAuth(auth))
	}
	return orderapi.NewClient(baseURL, opts...), nil
}
