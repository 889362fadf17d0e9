package orderapi

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"time"

	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TokenSource produces bearer tokens for requests.
type TokenSource interface {
	Token(method, path string, body []byte) (string, error)
}

// Claims are the JWT claims of an order API bearer token.
type Claims struct {
	*jwt.Claims
	// URI is "{METHOD} {host}{path}".
	URI string `json:"uri"`
	// ReqHash is the hex SHA-256 of the request body, when there is one.
	ReqHash string `json:"reqHash,omitempty"`
}

// KeyAuth signs short-lived bearer tokens with an API key. It is immutable
// and safe for concurrent use.
type KeyAuth struct {
	keyName    string
	host       string
	privateKey interface{}
	lifetime   time.Duration
}

// NewKeyAuth parses a PEM-encoded ECDSA (SEC1 or PKCS8) or Ed25519 key.
func NewKeyAuth(keyName, keySecret, host string) (*KeyAuth, error) {
	if keyName == "" {
		return nil, fmt.Errorf("keyName must not be empty")
	}

	block, _ := pem.Decode([]byte(keySecret))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block: invalid PEM format")
	}

	var key interface{}
	if ec, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		key = ec
	} else if key, err = x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	switch key.(type) {
	case *ecdsa.PrivateKey, ed25519.PrivateKey:
	default:
		return nil, fmt.Errorf("unsupported private key type: must be ECDSA or Ed25519")
	}

	return &KeyAuth{
		keyName:    keyName,
		host:       host,
		privateKey: key,
		lifetime:   2 * time.Minute,
	}, nil
}

// Token implements TokenSource.
func (a *KeyAuth) Token(method, path string, body []byte) (string, error) {
	alg := jose.EdDSA
	if _, ok := a.privateKey.(*ecdsa.PrivateKey); ok {
		alg = jose.ES256
	}

	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: a.privateKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", a.keyName),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create JWT signer: %w", err)
	}

	var reqHash string
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		reqHash = hex.EncodeToString(sum[:])
	}

	now := time.Now()
	claims := &Claims{
		Claims: &jwt.Claims{
			Subject:   a.keyName,
			Issuer:    "keychain",
			NotBefore: jwt.NewNumericDate(now),
			Expiry:    jwt.NewNumericDate(now.Add(a.lifetime)),
		},
		URI:     fmt.Sprintf("%s %s%s", method, a.host, path),
		ReqHash: reqHash,
	}

	token, err := jwt.Signed(sig).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize JWT: %w", err)
	}
	return token, nil
}
