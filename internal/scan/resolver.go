// Package scan resolves codes read by the billing screen's camera into
// catalog products.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/obs"
)

// ErrNoMatch is returned when a scanned code matches no product.
var ErrNoMatch = errors.New("scan: no product found")

// NoMatchError carries the scanned code for the user-facing message.
type NoMatchError struct {
	Code string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("No product found with code: %s", e.Code)
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }

// Searcher is the catalog lookup a Resolver needs.
type Searcher interface {
	Search(ctx context.Context, term string, priceBook billing.PriceBook) ([]billing.ProductRef, error)
}

// Resolver maps a decoded code to the first matching product.
type Resolver struct {
	Catalog Searcher
	Logger  *zerolog.Logger
}

// Resolve searches the catalog with code and returns the first result.
func (r Resolver) Resolve(ctx context.Context, code string, priceBook billing.PriceBook) (billing.ProductRef, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		obs.ObserveScan("miss")
		return billing.ProductRef{}, &NoMatchError{Code: code}
	}
	if r.Catalog == nil {
		return billing.ProductRef{}, errors.New("scan: catalog not configured")
	}
	found, err := r.Catalog.Search(ctx, code, priceBook)
	if err != nil {
		obs.ObserveScan("error")
		return billing.ProductRef{}, fmt.Errorf("scan %q: %w", code, err)
	}
	if len(found) == 0 {
		obs.ObserveScan("miss")
		if r.Logger != nil {
			r.Logger.Info().Str("code", code).Str("price_book", string(priceBook)).Msg("scan_no_match")
		}
		return billing.ProductRef{}, &NoMatchError{Code: code}
	}
	obs.ObserveScan("hit")
	return found[0], nil
}
