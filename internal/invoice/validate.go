package invoice

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/common"
)

// FieldError names a rejected request field and the rule it broke.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// normalize trims free-text fields so whitespace-only values fail "required".
func normalize(req billing.SaveRequest) billing.SaveRequest {
	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	req.Customer.Email = strings.TrimSpace(req.Customer.Email)
	req.Customer.Phone = strings.TrimSpace(req.Customer.Phone)
	req.Customer.ExistingAccountID = strings.TrimSpace(req.Customer.ExistingAccountID)
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
	}
	return req
}

func (s *Service) validate(req billing.SaveRequest) error {
	var fields []FieldError
	err := s.validator.Struct(req)
	if err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return common.Unprocessable("invalid invoice", err)
		}
		for _, fe := range verrs {
			ns := fe.Namespace()
			if i := strings.IndexByte(ns, '.'); i >= 0 {
				ns = ns[i+1:]
			}
			fields = append(fields, FieldError{Field: ns, Rule: fe.Tag()})
		}
	}
	// prices are stored with cents precision and must not be rounded on write
	for i, item := range req.Items {
		if !item.UnitPrice.Equal(item.UnitPrice.Round(billing.UnitPricePlaces)) {
			fields = append(fields, FieldError{Field: fmt.Sprintf("items[%d].unitPrice", i), Rule: "decimals"})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	if err == nil {
		err = errPrecision
	}
	return common.Unprocessable("invalid invoice", err).WithDetails(fields)
}

var errPrecision = errors.New("unit price has too many decimal places")

// storeError maps persistence failures the caller can fix to 422 responses.
func storeError(err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, ErrUnknownAccount):
		return common.Unprocessable("unknown customer account", err).
			WithDetails([]FieldError{{Field: "customer.existingAccountId", Rule: "exists"}})
	case errors.As(err, &pgErr) && pgErr.Code == "22003":
		return common.Unprocessable("invoice amounts are out of range", err).
			WithDetails([]FieldError{{Field: "items", Rule: "range"}})
	}
	return err
}
