// Package auth validates the credentials clients present to the gateway.
// Two schemes are accepted: a static shared key, and signed gateway-issued
// tokens carrying a client identity.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APIKeyPrefix marks gateway-issued keys.
const APIKeyPrefix = "luthien-"

// Claims carried by gateway-issued tokens.
type Claims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Validator checks inbound credentials. An empty static key disables the
// static scheme; an empty secret disables issued tokens.
type Validator struct {
	staticKey string
	secret    []byte
	tokenTTL  time.Duration
}

// NewValidator builds a validator. staticKey is compared verbatim; secret
// signs and verifies issued tokens.
func NewValidator(staticKey, secret string) *Validator {
	return &Validator{
		staticKey: staticKey,
		secret:    []byte(secret),
		tokenTTL:  24 * time.Hour,
	}
}

// Enabled reports whether any credential scheme is configured. When false the
// gateway runs open, which is only sane behind another auth layer.
func (v *Validator) Enabled() bool {
	return v.staticKey != "" || len(v.secret) > 0
}

// Validate checks one presented credential and returns the client identity.
// Static-key callers are identified as "static".
func (v *Validator) Validate(credential string) (string, error) {
	credential = strings.TrimPrefix(credential, "Bearer ")
	if credential == "" {
		return "", fmt.Errorf("missing credential")
	}

	if v.staticKey != "" &&
		subtle.ConstantTimeCompare([]byte(credential), []byte(v.staticKey)) == 1 {
		return "static", nil
	}

	if len(v.secret) > 0 && strings.HasPrefix(credential, APIKeyPrefix) {
		claims, err := v.validateIssuedKey(credential)
		if err != nil {
			return "", err
		}
		return claims.ClientID, nil
	}

	return "", fmt.Errorf("invalid credential")
}

// IssueAPIKey mints a signed key bound to clientID.
func (v *Validator) IssueAPIKey(clientID string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("token signing not configured")
	}
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(v.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	encoded := strings.TrimRight(base64.URLEncoding.EncodeToString([]byte(token)), "=")
	return APIKeyPrefix + encoded, nil
}

func (v *Validator) validateIssuedKey(credential string) (*Claims, error) {
	encoded := strings.TrimPrefix(credential, APIKeyPrefix)
	if pad := len(encoded) % 4; pad != 0 {
		encoded += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}

	token, err := jwt.ParseWithClaims(string(raw), &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
