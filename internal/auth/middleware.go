package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/noah-isme/pos-billing/internal/common"
)

type cashierKey struct{}

// WithCashier stores the authenticated cashier on the context.
func WithCashier(ctx context.Context, cashierID string) context.Context {
	return context.WithValue(ctx, cashierKey{}, cashierID)
}

// CashierFrom returns the cashier identifier, if any.
func CashierFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(cashierKey{}).(string)
	return v, ok && v != ""
}

// Middleware enforces cashier bearer tokens. A nil Tokens disables the check.
type Middleware struct {
	Tokens *Tokens
}

// RequireCashier rejects requests without a valid bearer token.
func (m Middleware) RequireCashier(next http.Handler) http.Handler {
	if m.Tokens == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		cashierID, err := m.Tokens.Verify(raw)
		if err != nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCashier(r.Context(), cashierID)))
	})
}

func bearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
