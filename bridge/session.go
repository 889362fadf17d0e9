package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keychainkit/keychain-go"
	"github.com/keychainkit/keychain-go/origin"
)

// DefaultHandshakeTimeout bounds Establish when no timeout is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// Mode is the operating mode of a session. It is fixed at construction.
type Mode int

const (
	// ModeEmbedded talks to a hosting page over a Remote.
	ModeEmbedded Mode = iota
	// ModeStandalone calls a locally constructed implementation directly.
	ModeStandalone
)

func (m Mode) String() string {
	if m == ModeStandalone {
		return "standalone"
	}
	return "embedded"
}

type sessionState int

const (
	stateIdle sessionState = iota
	stateEstablishing
	stateEstablished
	stateClosed
)

// Option configures a Session.
type Option func(*Session)

// WithHandshakeTimeout bounds the embedded handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLifecycle sets the close/reload implementation used in standalone mode.
// Without it both are no-ops.
func WithLifecycle(l Lifecycle) Option {
	return func(s *Session) {
		s.lifecycle = l
	}
}

// Session is the live channel for one page load. Every capability fails
// closed: until Establish succeeds, and after Close, calls return
// keychain.ErrNotConnected immediately instead of queuing.
type Session struct {
	id      string
	mode    Mode
	allowed origin.AllowedOriginSet

	connector        Connector
	handshakeTimeout time.Duration
	logger           *slog.Logger

	mu        sync.RWMutex
	state     sessionState
	remote    Remote
	caps      Capabilities
	lifecycle Lifecycle
	origin    string
	verified  bool
}

// NewEmbeddedSession creates a session that reaches the hosting page through
// connector. Call Establish before using any capability.
func NewEmbeddedSession(connector Connector, allowed origin.AllowedOriginSet, opts ...Option) *Session {
	s := newSession(ModeEmbedded, allowed, opts)
	s.connector = connector
	return s
}

// NewStandaloneSession creates a session for the redirect flow. There is no
// remote process: capabilities call local directly and close/reload do
// nothing unless WithLifecycle is given. The origin is taken from redirectURL
// when present, otherwise from currentURL. The session is usable immediately.
func NewStandaloneSession(local Capabilities, redirectURL, currentURL string, allowed origin.AllowedOriginSet, opts ...Option) *Session {
	s := newSession(ModeStandalone, allowed, opts)

	source := redirectURL
	if source == "" {
		source = currentURL
	}
	host, _ := origin.Hostname(source)

	s.caps = local
	s.origin = host
	s.verified = allowed.Contains(source)
	s.state = stateEstablished
	return s
}

func newSession(mode Mode, allowed origin.AllowedOriginSet, opts []Option) *Session {
	s := &Session{
		id:               uuid.NewString(),
		mode:             mode,
		allowed:          allowed,
		handshakeTimeout: DefaultHandshakeTimeout,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session", s.id, "mode", mode.String())
	return s
}

// Establish performs the one-shot asynchronous handshake. A failed attempt
// leaves the session idle so it may be retried; a successful one cannot be repeated.
//
// The remote's self-reported origin is checked against the allow-list. A
// mismatch does not sever the channel; it only leaves Verified false.
func (s *Session) Establish(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateEstablished:
		s.mu.Unlock()
		return keychain.ErrAlreadyEstablished
	case stateEstablishing:
		s.mu.Unlock()
		return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeHandshakeFailed, "handshake in progress", keychain.ErrHandshakeInProgress)
	case stateClosed:
		s.mu.Unlock()
		return notConnected("session closed")
	}
	s.state = stateEstablishing
	s.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	remote, info, err := s.connector.Connect(hctx)
	if err != nil {
		s.setState(stateEstablishing, stateIdle)
		return classifyHandshakeError(hctx, err)
	}

	host, _ := origin.Hostname(info.Origin)
	verified := s.allowed.Contains(info.Origin)

	s.mu.Lock()
	if s.state != stateEstablishing {
		s.mu.Unlock()
		_ = remote.Close()
		return notConnected("session closed during handshake")
	}
	s.remote = remote
	rc := remoteCapabilities{remote: remote}
	s.caps = rc
	s.lifecycle = rc
	s.origin = host
	s.verified = verified
	s.state = stateEstablished
	s.mu.Unlock()

	if verified {
		s.logger.Info("bridge established", "origin", host)
	} else {
		s.logger.Warn("bridge established with unverified origin", "origin", info.Origin)
	}
	return nil
}

func classifyHandshakeError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeHandshakeFailed, "bridge handshake timed out", keychain.ErrHandshakeTimeout).
			WithDetails("cause", err.Error())
	}
	if errors.Is(err, keychain.ErrHandshakeRejected) {
		return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeHandshakeFailed, "bridge handshake rejected", err)
	}
	return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeHandshakeFailed, "bridge handshake failed", err)
}

func (s *Session) setState(from, to sessionState) {
	s.mu.Lock()
	if s.state == from {
		s.state = to
	}
	s.mu.Unlock()
}

// Close tears the session down. Subsequent capability calls fail closed.
func (s *Session) Close() error {
	s.mu.Lock()
	remote := s.remote
	s.state = stateClosed
	s.remote = nil
	s.caps = nil
	s.mu.Unlock()

	if remote != nil {
		return remote.Close()
	}
	return nil
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Mode returns the session mode.
func (s *Session) Mode() Mode { return s.mode }

// Origin returns the hostname reported by the remote, or derived from the URL in standalone mode.
func (s *Session) Origin() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origin
}

// Verified reports whether Origin matched the allow-list.
func (s *Session) Verified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified
}

// Established reports whether capabilities may be called.
func (s *Session) Established() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == stateEstablished
}

func notConnected(msg string) error {
	return keychain.NewError(keychain.KindConnectivity, keychain.ErrCodeNotConnected, msg, keychain.ErrNotConnected)
}

func (s *Session) capabilities() (Capabilities, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateEstablished || s.caps == nil {
		return nil, notConnected("bridge not established")
	}
	return s.caps, nil
}

// DetectWallets lists wallets available in the embedding page.
func (s *Session) DetectWallets(ctx context.Context) ([]ExternalWallet, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.DetectWallets(ctx)
}

// ConnectWallet asks the embedding page to connect walletType.
func (s *Session) ConnectWallet(ctx context.Context, walletType WalletType, address string) (*ExternalWalletResponse, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.ConnectWallet(ctx, walletType, address)
}

// SignMessage asks the external wallet owning identifier to sign message.
func (s *Session) SignMessage(ctx context.Context, identifier, message string) (*ExternalWalletResponse, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.SignMessage(ctx, identifier, message)
}

// SignTypedData asks the external wallet owning identifier to sign typed data.
func (s *Session) SignTypedData(ctx context.Context, identifier string, data json.RawMessage) (*ExternalWalletResponse, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.SignTypedData(ctx, identifier, data)
}

// SendTransaction asks the external wallet owning identifier to sign and broadcast txn.
func (s *Session) SendTransaction(ctx context.Context, identifier string, txn json.RawMessage) (*ExternalWalletResponse, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.SendTransaction(ctx, identifier, txn)
}

// GetBalance returns the external wallet's balance of tokenAddress (native if empty).
func (s *Session) GetBalance(ctx context.Context, identifier, tokenAddress string) (*ExternalWalletResponse, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.GetBalance(ctx, identifier, tokenAddress)
}

// SwitchChain asks the external wallet to switch to chainID.
func (s *Session) SwitchChain(ctx context.Context, identifier, chainID string) (*ExternalWalletResponse, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.SwitchChain(ctx, identifier, chainID)
}

// WaitForTransaction waits in the embedding page for txHash to be mined.
func (s *Session) WaitForTransaction(ctx context.Context, identifier, txHash string, timeout time.Duration) (*ExternalWalletResponse, error) {
	caps, err := s.capabilities()
	if err != nil {
		return nil, err
	}
	return caps.WaitForTransaction(ctx, identifier, txHash, timeout)
}

// Toast shows a notification in the embedding page.
func (s *Session) Toast(ctx context.Context, toast Toast) error {
	caps, err := s.capabilities()
	if err != nil {
		return err
	}
	return caps.Toast(ctx, toast)
}

// RequestClose asks the embedding page to close the keychain frame.
func (s *Session) RequestClose(ctx context.Context) error {
	l, err := s.lifecycleControl()
	if err != nil || l == nil {
		return err
	}
	return l.Close(ctx)
}

// RequestReload asks the embedding page to reload the keychain frame.
func (s *Session) RequestReload(ctx context.Context) error {
	l, err := s.lifecycleControl()
	if err != nil || l == nil {
		return err
	}
	return l.Reload(ctx)
}

func (s *Session) lifecycleControl() (Lifecycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != stateEstablished {
		return nil, notConnected("bridge not established")
	}
	return s.lifecycle, nil
}

var _ Capabilities = (*Session)(nil)
