package token

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Token types understood by the backend. Every token carries exactly one.
const (
	TypeUser       = "user"
	TypeService    = "service"
	TypeDeployment = "deployment"
	TypeConfig     = "config"
)

// ErrInvalid is returned for any token that fails validation: bad
// signature, expired, malformed. Callers must not distinguish further to
// avoid leaking which part failed.
var ErrInvalid = errors.New("token: could not validate")

// Claims is the signed payload of an access token. Which fields are set
// depends on Type: user tokens carry User, service tokens carry Service,
// Origin and User, deployment tokens carry Deployment.
type Claims struct {
	Type       string `json:"type"`
	User       string `json:"user,omitempty"`
	Service    string `json:"service,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Deployment int64  `json:"deployment,omitempty"`
	jwtlib.RegisteredClaims
}

// ExpiresAt returns the expiry timestamp of the claims.
func (c *Claims) ExpiresAt() time.Time {
	if c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}

// Codec signs and verifies access tokens with a shared secret (HS256).
type Codec struct {
	secret []byte
}

// NewCodec returns a Codec signing with the given shared secret.
func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode signs the claims with the given time to live.
func (c *Codec) Encode(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims.IssuedAt = jwtlib.NewNumericDate(now)
	claims.RegisteredClaims.ExpiresAt = jwtlib.NewNumericDate(now.Add(ttl))
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return tok.SignedString(c.secret)
}

// Decode validates signature and expiry and returns the claims. Any
// failure is reported as ErrInvalid.
func (c *Codec) Decode(raw string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(raw, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return c.secret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}
