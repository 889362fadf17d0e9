package orderapi

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2/jwt"
)

func ecPEM(t *testing.T) (string, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), key
}

func pkcs8PEM(t *testing.T, key interface{}) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestNewKeyAuth(t *testing.T) {
	ecSecret, _ := ecPEM(t)
	_, edKey, _ := ed25519.GenerateKey(rand.Reader)
	rsaKey, _ := rsa.GenerateKey(rand.Reader, 2048)

	tests := []struct {
		name    string
		keyName string
		secret  string
		wantErr bool
	}{
		{"ecdsa sec1", "keys/1", ecSecret, false},
		{"ed25519 pkcs8", "keys/1", pkcs8PEM(t, edKey), false},
		{"rsa rejected", "keys/1", pkcs8PEM(t, rsaKey), true},
		{"empty name", "", ecSecret, true},
		{"not pem", "keys/1", "not a key", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeyAuth(tt.keyName, tt.secret, "orders.example.com")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyAuth() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestKeyAuth_Token(t *testing.T) {
	secret, key := ecPEM(t)
	auth, err := NewKeyAuth("keys/1", secret, "orders.example.com")
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"rail":"base"}`)
	token, err := auth.Token("POST", "/orders", body)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		t.Fatalf("ParseSigned() error = %v", err)
	}
	if parsed.Headers[0].KeyID != "keys/1" || parsed.Headers[0].Algorithm != "ES256" {
		t.Errorf("headers = %+v", parsed.Headers[0])
	}

	var claims Claims
	if err := parsed.Claims(&key.PublicKey, &claims); err != nil {
		t.Fatalf("Claims() error = %v", err)
	}
	if claims.Subject != "keys/1" || claims.Issuer != "keychain" {
		t.Errorf("claims = %+v", claims.Claims)
	}
	if claims.URI != "POST orders.example.com/orders" {
		t.Errorf("URI = %q", claims.URI)
	}
	sum := sha256.Sum256(body)
	if claims.ReqHash != hex.EncodeToString(sum[:]) {
		t.Errorf("ReqHash = %q", claims.ReqHash)
	}
	if err := claims.Claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	getToken, _ := auth.Token("GET", "/orders/1", nil)
	if strings.Count(getToken, ".") != 2 {
		t.Errorf("token is not compact JWS: %s", getToken)
	}
}
