package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken covers every rejected bearer token.
var ErrInvalidToken = errors.New("auth: invalid token")

// Tokens issues and verifies HS256 cashier tokens. The subject carries the
// cashier identifier recorded on saved invoices.
type Tokens struct {
	Secret    []byte
	Issuer    string
	Audience  string
	TTL       time.Duration
	ClockSkew time.Duration
	Now       func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for cashierID.
func (t Tokens) Issue(cashierID string) (string, time.Time, error) {
	cashierID = strings.TrimSpace(cashierID)
	if cashierID == "" {
		return "", time.Time{}, errors.New("auth: cashier id required")
	}
	if len(t.Secret) == 0 {
		return "", time.Time{}, errors.New("auth: secret not configured")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := t.now()
	expiresAt := now.Add(ttl)
	tok, err := jwt.NewBuilder().
		Subject(cashierID).
		Issuer(t.Issuer).
		Audience([]string{t.Audience}).
		IssuedAt(now).
		NotBefore(now.Add(-t.ClockSkew)).
		Expiration(expiresAt).
		Build()
	if err != nil {
		return "", time.Time{}, err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, t.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return string(signed), expiresAt, nil
}

// Verify checks signature, algorithm, issuer, audience and expiry, returning
// the cashier identifier.
func (t Tokens) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidToken
	}
	if err := requireHS256(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, t.Secret),
		jwt.WithClock(jwt.ClockFunc(t.now)),
		jwt.WithValidate(true),
	}
	if t.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(t.ClockSkew))
	}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	if t.Audience != "" {
		opts = append(opts, jwt.WithAudience(t.Audience))
	}
	parsed, err := jwt.ParseString(raw, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(parsed.Subject()) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return parsed.Subject(), nil
}

func requireHS256(raw string) error {
	msg, err := jws.ParseString(raw)
	if err != nil {
		return err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return fmt.Errorf("expected one signature, got %d", len(sigs))
	}
	headers := sigs[0].ProtectedHeaders()
	if headers == nil || headers.Algorithm() != jwa.HS256 {
		return errors.New("unexpected signing algorithm")
	}
	return nil
}
