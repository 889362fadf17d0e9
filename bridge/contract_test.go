package bridge

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/keychainkit/keychain-go"
)

func TestExternalWalletResponse_StringResult(t *testing.T) {
	tests := []struct {
		name     string
		resp     *ExternalWalletResponse
		want     string
		wantKind keychain.ErrorKind
		wantErr  error
	}{
		{
			name: "string result",
			resp: StringResponse(WalletMetaMask, "0xabc", "0xsig"),
			want: "0xsig",
		},
		{
			name:     "wallet failure carries remote text",
			resp:     FailureResponse(WalletPhantom, "User rejected the request"),
			wantKind: keychain.KindRejection,
			wantErr:  keychain.ErrSigningFailed,
		},
		{
			name:     "numeric result",
			resp:     &ExternalWalletResponse{Success: true, Wallet: WalletMetaMask, Result: json.RawMessage(`42`)},
			wantKind: keychain.KindValidation,
			wantErr:  keychain.ErrMalformedResponse,
		},
		{
			name:     "object result",
			resp:     &ExternalWalletResponse{Success: true, Wallet: WalletMetaMask, Result: json.RawMessage(`{"hash":"0x1"}`)},
			wantKind: keychain.KindValidation,
			wantErr:  keychain.ErrMalformedResponse,
		},
		{
			name:     "empty string",
			resp:     StringResponse(WalletMetaMask, "0xabc", ""),
			wantKind: keychain.KindValidation,
			wantErr:  keychain.ErrMalformedResponse,
		},
		{
			name:     "missing result",
			resp:     &ExternalWalletResponse{Success: true, Wallet: WalletMetaMask},
			wantKind: keychain.KindValidation,
			wantErr:  keychain.ErrMalformedResponse,
		},
		{
			name:     "nil response",
			resp:     nil,
			wantKind: keychain.KindValidation,
			wantErr:  keychain.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resp.StringResult(MethodSignMessage)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("StringResult() error = %v", err)
				}
				if got != tt.want {
					t.Errorf("StringResult() = %q, want %q", got, tt.want)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("StringResult() error = %v, want %v", err, tt.wantErr)
			}
			if kind := keychain.KindOf(err); kind != tt.wantKind {
				t.Errorf("KindOf() = %s, want %s", kind, tt.wantKind)
			}
		})
	}
}

func TestFailureResponse_ErrorText(t *testing.T) {
	_, err := FailureResponse(WalletPhantom, "insufficient funds").StringResult(MethodSendTransaction)
	if err == nil {
		t.Fatal("expected error")
	}
	var kerr *keychain.Error
	if !errors.As(err, &kerr) {
		t.Fatalf("expected *keychain.Error, got %T", err)
	}
	if kerr.Details["wallet"] != "phantom" {
		t.Errorf("wallet detail = %v", kerr.Details["wallet"])
	}
	if got := err.Error(); !strings.Contains(got, "insufficient funds") {
		t.Errorf("error %q does not carry wallet text", got)
	}
}

func TestToArguments(t *testing.T) {
	args, err := toArguments(waitForTransactionParams{Identifier: "0xabc", TxHash: "0x1", TimeoutMs: 1500})
	if err != nil {
		t.Fatalf("toArguments() error = %v", err)
	}
	if args["identifier"] != "0xabc" || args["txHash"] != "0x1" {
		t.Errorf("unexpected arguments: %v", args)
	}
	if args["timeoutMs"] != float64(1500) {
		t.Errorf("timeoutMs = %v", args["timeoutMs"])
	}

	empty, err := toArguments(nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("toArguments(nil) = %v, %v", empty, err)
	}
}
