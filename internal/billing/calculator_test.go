package billing

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Equal(t, want, FormatAmount(got))
}

func TestRecomputeWithGST(t *testing.T) {
	items := []LineItem{{ProductID: "p1", UnitPrice: decimal.NewFromInt(100), Quantity: 2, GSTApplicable: true}}

	out, totals := Recompute(items, ModeWithGST)

	require.Len(t, out, 1)
	requireAmount(t, "36.00", out[0].GSTAmount)
	requireAmount(t, "236.00", out[0].Total)
	requireAmount(t, "200.00", totals.Subtotal)
	requireAmount(t, "36.00", totals.TotalGST)
	requireAmount(t, "236.00", totals.GrandTotal)
}

func TestRecomputeWithoutGST(t *testing.T) {
	items := []LineItem{{ProductID: "p1", UnitPrice: decimal.NewFromInt(100), Quantity: 2, GSTApplicable: true}}

	out, totals := Recompute(items, ModeWithoutGST)

	require.True(t, out[0].GSTAmount.IsZero())
	requireAmount(t, "200.00", out[0].Total)
	requireAmount(t, "200.00", totals.GrandTotal)
	require.True(t, totals.TotalGST.IsZero())
}

func TestRecomputeEmpty(t *testing.T) {
	for _, mode := range []Mode{ModeWithGST, ModeWithoutGST} {
		out, totals := Recompute(nil, mode)
		require.Empty(t, out)
		require.True(t, totals.Subtotal.IsZero())
		require.True(t, totals.TotalGST.IsZero())
		require.True(t, totals.GrandTotal.IsZero())
	}
}

func TestRecomputeSkipsIneligibleItems(t *testing.T) {
	items := []LineItem{
		{ProductID: "a", UnitPrice: dec(t, "49.99"), Quantity: 3, GSTApplicable: true},
		{ProductID: "b", UnitPrice: dec(t, "10.50"), Quantity: 1, GSTApplicable: false},
	}

	out, totals := Recompute(items, ModeWithGST)

	requireAmount(t, "26.99", out[0].GSTAmount)
	require.True(t, out[1].GSTAmount.IsZero())
	requireAmount(t, "160.47", totals.Subtotal)
	require.True(t, totals.GrandTotal.Equal(totals.Subtotal.Add(totals.TotalGST)))
}

func TestRecomputeDoesNotMutateInput(t *testing.T) {
	items := []LineItem{{ProductID: "p1", UnitPrice: decimal.NewFromInt(5), Quantity: 0, GSTApplicable: true}}

	out, _ := Recompute(items, ModeWithGST)

	require.Equal(t, 0, items[0].Quantity)
	require.True(t, items[0].Total.IsZero())
	require.Equal(t, 1, out[0].Quantity)
}

func TestRecomputeClampsNegativePrice(t *testing.T) {
	items := []LineItem{{ProductID: "p1", UnitPrice: decimal.NewFromInt(-10), Quantity: 2}}

	out, totals := Recompute(items, ModeWithGST)

	require.True(t, out[0].UnitPrice.IsZero())
	require.True(t, totals.GrandTotal.IsZero())
}

func TestRecomputeIsIdempotent(t *testing.T) {
	items := []LineItem{
		{ProductID: "a", UnitPrice: dec(t, "0.10"), Quantity: 7, GSTApplicable: true},
		{ProductID: "b", UnitPrice: dec(t, "1234.56"), Quantity: 2, GSTApplicable: true},
		{ProductID: "c", UnitPrice: dec(t, "3.33"), Quantity: 9},
	}
	for _, mode := range []Mode{ModeWithGST, ModeWithoutGST} {
		first, t1 := Recompute(items, mode)
		second, t2 := Recompute(first, mode)
		require.True(t, t1.GrandTotal.Equal(t2.GrandTotal))
		require.True(t, t1.Subtotal.Equal(t2.Subtotal))
		require.True(t, t1.TotalGST.Equal(t2.TotalGST))
		require.True(t, t1.GrandTotal.Equal(t1.Subtotal.Add(t1.TotalGST)))
		for i := range first {
			require.True(t, first[i].Total.Equal(second[i].Total))
		}
	}
}

func TestCalculatorCustomRate(t *testing.T) {
	calc := NewCalculator(dec(t, "0.05"))
	items := []LineItem{{ProductID: "p1", UnitPrice: decimal.NewFromInt(100), Quantity: 1, GSTApplicable: true}}

	_, totals := calc.Recompute(items, ModeWithGST)

	requireAmount(t, "5.00", totals.TotalGST)
	require.True(t, NewCalculator(decimal.NewFromInt(-1)).Rate.Equal(DefaultGSTRate))
}

func TestCoerceQuantity(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int
	}{
		{"zero", 0, 1},
		{"nan", math.NaN(), 1},
		{"nil", nil, 1},
		{"negative", -4, 1},
		{"garbage", "abc", 1},
		{"numeric string", " 3 ", 3},
		{"fraction", 2.9, 2},
		{"json number", json.Number("5"), 5},
		{"bool", true, 1},
		{"plain", int64(12), 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, CoerceQuantity(tc.in))
		})
	}
}

func TestCoercePrice(t *testing.T) {
	require.True(t, CoercePrice("12.5").Equal(dec(t, "12.5")))
	require.True(t, CoercePrice("n/a").IsZero())
	require.True(t, CoercePrice(math.NaN()).IsZero())
	require.True(t, CoercePrice(-3).IsZero())
	require.True(t, CoercePrice(nil).IsZero())
	require.True(t, CoercePrice(json.Number("7.25")).Equal(dec(t, "7.25")))
}

func TestFormatAmountRoundsHalfUp(t *testing.T) {
	require.Equal(t, "0.13", FormatAmount(dec(t, "0.125")))
	require.Equal(t, "2.50", FormatAmount(dec(t, "2.5")))
	require.Equal(t, "₹10.00", FormatCurrency("₹", decimal.NewFromInt(10)))
}
