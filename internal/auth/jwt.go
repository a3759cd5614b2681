// Package auth stamps and checks service tokens carried in the authToken
// field of mesh request headers.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_mesh/internal/protocol"
)

var ErrMissingToken = errors.New("missing auth token")

// Claims are the claims of a service token. The subject is the calling
// service id.
type Claims struct {
	Namespace string `json:"ns,omitempty"`
	jwt.RegisteredClaims
}

type Option func(*options)

type options struct {
	clock clock.Clock
}

// WithClock sets the clock used for issuing and validating tokens
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ParsePublicKey decodes a PKCS1 or PKIX RSA public key in PEM form
func ParsePublicKey(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return publicKey, nil
	}
	// Try parsing as PKIX
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	publicKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return publicKey, nil
}

// ParsePrivateKey decodes a PKCS1 or PKCS8 RSA private key in PEM form
func ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// Signer issues RS256 service tokens and stamps them into outbound request
// headers. A token is reused until a tenth of its lifetime remains.
type Signer struct {
	key       *rsa.PrivateKey
	issuer    string
	audience  string
	subject   string
	namespace string
	ttl       time.Duration
	clock     clock.Clock

	mu      sync.Mutex
	cached  string
	refresh time.Time
}

// NewSigner creates a signer for the given service
func NewSigner(privateKeyPEM, issuer, audience, namespace, serviceID string, ttl time.Duration, opts ...Option) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	o := buildOptions(opts)
	return &Signer{
		key:       key,
		issuer:    issuer,
		audience:  audience,
		subject:   serviceID,
		namespace: namespace,
		ttl:       ttl,
		clock:     o.clock,
	}, nil
}

// Token returns a valid token, minting a new one when the cached one is
// close to expiry
func (s *Signer) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.cached != "" && now.Before(s.refresh) {
		return s.cached, nil
	}

	claims := Claims{
		Namespace: s.namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.subject,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.cached = token
	s.refresh = now.Add(s.ttl - s.ttl/10)
	return token, nil
}

// Enrich stamps a service token into h. It matches node.EnrichFunc.
func (s *Signer) Enrich(_ context.Context, h protocol.RequestHeader) (protocol.RequestHeader, error) {
	token, err := s.Token()
	if err != nil {
		return h, err
	}
	h.AuthToken = token
	return h, nil
}

// Validator checks service tokens against an RSA public key
type Validator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
	clock     clock.Clock
}

// NewValidator creates a new token validator
func NewValidator(publicKeyPEM, issuer, audience string, opts ...Option) (*Validator, error) {
	publicKey, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &Validator{
		publicKey: publicKey,
		issuer:    issuer,
		audience:  audience,
		clock:     o.clock,
	}, nil
}

// ValidateToken validates a token and returns its claims
func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub claim")
	}
	return claims, nil
}

// Authorize checks the token carried by an inbound request. It matches
// node.AuthorizeFunc.
func (v *Validator) Authorize(_ context.Context, h protocol.RequestHeader) error {
	if h.AuthToken == "" {
		return ErrMissingToken
	}
	_, err := v.ValidateToken(h.AuthToken)
	return err
}
