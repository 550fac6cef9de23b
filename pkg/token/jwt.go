package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/icnp-works/icnp-go/pkg/protocol"
)

// tokenClaims wraps an execution token in standard JWT claims so it can
// travel through JWT-aware infrastructure. The embedded token remains
// the authoritative artifact; the registered claims mirror its identity
// and validity window.
type tokenClaims struct {
	jwt.RegisteredClaims
	Token protocol.ExecutionToken `json:"icnp_token"`
}

// Codec encodes execution tokens as compact JWTs (HS256).
type Codec struct {
	secret []byte
	issuer string
}

// NewCodec creates a codec with the given signing secret.
func NewCodec(secret []byte, issuer string) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token codec requires a non-empty secret")
	}
	return &Codec{secret: secret, issuer: issuer}, nil
}

// Encode serializes a token as a signed compact JWT.
func (c *Codec) Encode(tok *protocol.ExecutionToken) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.TokenID,
			Subject:   tok.SessionID,
			Issuer:    c.issuer,
			NotBefore: jwt.NewNumericDate(tok.Validity.NotBefore),
			ExpiresAt: jwt.NewNumericDate(tok.Validity.NotAfter),
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		},
		Token: *tok,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Decode parses and verifies a compact JWT, returning the embedded
// execution token.
func (c *Codec) Decode(compact string) (*protocol.ExecutionToken, error) {
	parsed, err := jwt.ParseWithClaims(compact, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(c.issuer))
	if err != nil {
		return nil, fmt.Errorf("token decode: %w", err)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return &claims.Token, nil
}
