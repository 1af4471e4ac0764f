package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode controls whether GST is applied to GST-eligible items.
type Mode string

const (
	// ModeWithGST applies the GST rate to eligible items.
	ModeWithGST Mode = "With GST"
	// ModeWithoutGST never applies GST.
	ModeWithoutGST Mode = "Without GST"
)

// ParseMode accepts the display labels as well as snake_case identifiers.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "with gst", "with_gst", "gst":
		return ModeWithGST, nil
	case "without gst", "without_gst", "no_gst":
		return ModeWithoutGST, nil
	default:
		return "", fmt.Errorf("unknown billing mode %q", value)
	}
}

// PriceBook names the catalog price list products are searched in.
type PriceBook string

const (
	PriceBookRetail    PriceBook = "Retail"
	PriceBookWholesale PriceBook = "Wholesale"
)

// ParsePriceBook normalises a price book name.
func ParsePriceBook(value string) (PriceBook, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "retail":
		return PriceBookRetail, nil
	case "wholesale":
		return PriceBookWholesale, nil
	default:
		return "", fmt.Errorf("unknown price book %q", value)
	}
}

// ProductRef is a catalog product as supplied by search or scan.
type ProductRef struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Code          string          `json:"code"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	GSTApplicable bool            `json:"gstApplicable"`
}

// LineItem is one product row on the invoice. GSTAmount and Total are only
// written by the calculator.
type LineItem struct {
	ProductID     string          `json:"productId"`
	ProductName   string          `json:"productName"`
	ProductCode   string          `json:"productCode"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	GSTApplicable bool            `json:"gstApplicable"`
	Quantity      int             `json:"quantity"`
	GSTAmount     decimal.Decimal `json:"gstAmount"`
	Total         decimal.Decimal `json:"total"`
}

// Totals aggregates the derived amounts of an item list.
type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	TotalGST   decimal.Decimal `json:"totalGst"`
	GrandTotal decimal.Decimal `json:"grandTotal"`
}

// Customer identifies who the invoice is billed to.
type Customer struct {
	Name              string `json:"name" validate:"required"`
	Email             string `json:"email" validate:"required"`
	Phone             string `json:"phone" validate:"required"`
	ExistingAccountID string `json:"existingAccountId,omitempty" validate:"omitempty,uuid"`
}

// Limits enforced before an invoice is stored. The lte tag on
// SaveItem.Quantity repeats MaxQuantity.
const (
	MaxQuantity     = 100000
	UnitPricePlaces = 2
)

// SaveItem is the serialized form of a line item handed to persistence.
type SaveItem struct {
	ProductID     string          `json:"productId" validate:"required"`
	Quantity      int             `json:"quantity" validate:"gte=1,lte=100000"`
	UnitPrice     decimal.Decimal `json:"unitPrice" validate:"gte=0,lte=9999999999.99"`
	GSTApplicable bool            `json:"gstApplicable"`
}

// SaveRequest is consumed by the invoice persistence service.
type SaveRequest struct {
	Customer      Customer   `json:"customer"`
	Items         []SaveItem `json:"items" validate:"required,min=1,max=500,dive"`
	PriceBookName PriceBook  `json:"priceBookName" validate:"required,oneof=Retail Wholesale"`
	BillingMode   Mode       `json:"billingMode" validate:"required,oneof='With GST' 'Without GST'"`
	SendEmail     bool       `json:"sendEmail"`
	// SubmissionID makes the save idempotent: a second save with the same id
	// returns the invoice stored by the first.
	SubmissionID string `json:"submissionId,omitempty" validate:"omitempty,max=64"`
}
