package billing

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultGSTRate is the flat single-jurisdiction rate (18%).
var DefaultGSTRate = decimal.RequireFromString("0.18")

// Calculator derives line and invoice amounts for a GST rate.
type Calculator struct {
	Rate decimal.Decimal
}

// NewCalculator returns a calculator for rate, falling back to DefaultGSTRate
// when rate is negative.
func NewCalculator(rate decimal.Decimal) Calculator {
	if rate.IsNegative() {
		rate = DefaultGSTRate
	}
	return Calculator{Rate: rate}
}

// Recompute uses DefaultGSTRate.
func Recompute(items []LineItem, mode Mode) ([]LineItem, Totals) {
	return Calculator{Rate: DefaultGSTRate}.Recompute(items, mode)
}

// Recompute returns a fresh copy of items with GSTAmount and Total derived
// and the aggregate totals. The input slice is never modified.
func (c Calculator) Recompute(items []LineItem, mode Mode) ([]LineItem, Totals) {
	out := make([]LineItem, len(items))
	subtotal := decimal.Zero
	totalGST := decimal.Zero
	for i, it := range items {
		qty := it.Quantity
		if qty < 1 {
			qty = 1
		}
		price := it.UnitPrice
		if price.IsNegative() {
			price = decimal.Zero
		}
		net := price.Mul(decimal.NewFromInt(int64(qty)))
		gst := decimal.Zero
		if mode == ModeWithGST && it.GSTApplicable {
			gst = net.Mul(c.Rate)
		}

		it.Quantity = qty
		it.UnitPrice = price
		it.GSTAmount = gst
		it.Total = net.Add(gst)
		out[i] = it

		subtotal = subtotal.Add(net)
		totalGST = totalGST.Add(gst)
	}
	return out, Totals{
		Subtotal:   subtotal,
		TotalGST:   totalGST,
		GrandTotal: subtotal.Add(totalGST),
	}
}

// CoerceQuantity turns loosely typed input into a quantity of at least 1.
// Zero, NaN, nil and non-numeric values become 1; fractions truncate.
func CoerceQuantity(v any) int {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 1
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 1
		}
		f = parsed
	default:
		return 1
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt32 {
		return 1
	}
	qty := int(f)
	if qty < 1 {
		return 1
	}
	return qty
}

// CoercePrice turns loosely typed input into a non-negative amount.
func CoercePrice(v any) decimal.Decimal {
	var d decimal.Decimal
	switch n := v.(type) {
	case decimal.Decimal:
		d = n
	case int:
		d = decimal.NewFromInt(int64(n))
	case int64:
		d = decimal.NewFromInt(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero
		}
		d = decimal.NewFromFloat(n)
	case json.Number:
		parsed, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero
		}
		d = parsed
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return decimal.Zero
		}
		d = parsed
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// FormatAmount renders an amount with two decimals, rounding half away from zero.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatCurrency prefixes FormatAmount with symbol.
func FormatCurrency(symbol string, d decimal.Decimal) string {
	return symbol + FormatAmount(d)
}
