package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastConfig = Config{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     10 * time.Millisecond,
	Multiplier:   2.0,
}

func TestWithRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		calls := 0
		result, err := WithRetry(context.Background(), fastConfig,
			func(error) bool { return true },
			func() (string, error) {
				calls++
				return "sig", nil
			},
		)
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if result != "sig" || calls != 1 {
			t.Errorf("result = %q, calls = %d", result, calls)
		}
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		result, err := WithRetry(context.Background(), fastConfig,
			func(error) bool { return true },
			func() (int, error) {
				calls++
				if calls < 3 {
					return 0, errors.New("temporary")
				}
				return 5, nil
			},
		)
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		if result != 5 || calls != 3 {
			t.Errorf("result = %d, calls = %d", result, calls)
		}
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		calls := 0
		persistent := errors.New("persistent")
		_, err := WithRetry(context.Background(), fastConfig,
			func(error) bool { return true },
			func() (string, error) {
				calls++
				return "", persistent
			},
		)
		if !errors.Is(err, persistent) {
			t.Errorf("expected wrapped persistent error, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		calls := 0
		fatal := errors.New("fatal")
		_, err := WithRetry(context.Background(), fastConfig,
			func(err error) bool { return !errors.Is(err, fatal) },
			func() (string, error) {
				calls++
				return "", fatal
			},
		)
		if err != fatal {
			t.Errorf("expected fatal error unchanged, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("respects cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		calls := 0
		_, err := WithSimpleRetry(ctx,
			func() (string, error) {
				calls++
				return "", errors.New("error")
			},
			func(error) bool { return true },
		)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if calls != 0 {
			t.Errorf("expected 0 calls, got %d", calls)
		}
	})

	t.Run("cancellation during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 3, InitialDelay: time.Hour}

		calls := 0
		_, err := WithRetry(ctx, cfg,
			func(error) bool { return true },
			func() (string, error) {
				calls++
				cancel()
				return "", errors.New("error")
			},
		)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})
}

func TestConfig_Delay(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		attempt int
		want    time.Duration
	}{
		{"exponential first", DefaultConfig, 0, 100 * time.Millisecond},
		{"exponential second", DefaultConfig, 1, 200 * time.Millisecond},
		{"exponential third", DefaultConfig, 2, 400 * time.Millisecond},
		{"exponential capped", DefaultConfig, 10, 5 * time.Second},
		{"linear first", QuoteConfig, 0, 500 * time.Millisecond},
		{"linear second", QuoteConfig, 1, time.Second},
		{"linear third", QuoteConfig, 2, 1500 * time.Millisecond},
		{"linear capped", QuoteConfig, 20, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}
