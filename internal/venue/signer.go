package venue

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer mints short-lived RS256 tokens bound to one request. The private key never
// leaves the process; the venue verifies with the public key.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
	ttl   time.Duration
	now   func() time.Time
}

// RequestClaims binds a token to {timestamp, method, path, body}.
type RequestClaims struct {
	Timestamp  int64  `json:"ts"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	BodySHA256 string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// NewSigner parses a PKCS#1 or PKCS#8 PEM RSA private key.
func NewSigner(keyID, privatePEM string, ttl time.Duration) (*Signer, error) {
	key, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Signer{keyID: keyID, key: key, ttl: ttl, now: time.Now}, nil
}

// ParsePrivateKey decodes an RSA private key from PEM.
func ParsePrivateKey(privatePEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privatePEM))
	if block == nil {
		return nil, errors.New("invalid private key (no PEM block)")
	}
	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an RSA private key")
		}
		return priv, nil
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#1 key: %w", err)
		}
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// Sign returns a compact JWT for one request.
func (s *Signer) Sign(method, path string, body []byte) (string, error) {
	now := s.now().UTC()
	sum := sha256.Sum256(body)
	claims := RequestClaims{
		Timestamp:  now.Unix(),
		Method:     method,
		Path:       path,
		BodySHA256: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.keyID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.keyID
	return t.SignedString(s.key)
}

// Verify checks a token against the public key and the request it claims to sign.
// The venue side runs this; it is kept here for tests and tooling.
func Verify(token string, pub *rsa.PublicKey, method, path string, body []byte) (*RequestClaims, error) {
	claims := &RequestClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	if claims.Method != method || claims.Path != path || claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, errors.New("token does not match request")
	}
	return claims, nil
}
