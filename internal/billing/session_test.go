package billing

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func productA() ProductRef {
	return ProductRef{ID: "1", Name: "Product A", Code: "A-001", UnitPrice: decimal.NewFromInt(100), GSTApplicable: true}
}

func TestAddOrMergeIncrementsQuantity(t *testing.T) {
	lines := NewLines(nil)

	first := lines.AddOrMerge(productA())
	second := lines.AddOrMerge(productA())

	require.Equal(t, 1, first.Quantity)
	require.Equal(t, 2, second.Quantity)
	require.Equal(t, 1, lines.Len())
	require.Equal(t, 2, lines.Items()[0].Quantity)
	require.True(t, first.GSTAmount.IsZero())
	require.True(t, first.Total.IsZero())
}

func TestAddOrMergeKeepsOneEntryPerProduct(t *testing.T) {
	lines := NewLines(nil)
	other := ProductRef{ID: "2", Name: "Product B", UnitPrice: decimal.NewFromInt(5)}
	for i := 0; i < 25; i++ {
		lines.AddOrMerge(productA())
		if i%5 == 0 {
			lines.AddOrMerge(other)
		}
	}

	items := lines.Items()
	require.Len(t, items, 2)
	require.Equal(t, "1", items[0].ProductID)
	require.Equal(t, 25, items[0].Quantity)
	require.Equal(t, 5, items[1].Quantity)
}

func TestSetQuantityCoercesAndIgnoresUnknown(t *testing.T) {
	lines := NewLines(nil)
	lines.AddOrMerge(productA())

	require.True(t, lines.SetQuantity("1", 0))
	require.Equal(t, 1, lines.Items()[0].Quantity)

	require.True(t, lines.SetQuantity("1", CoerceQuantity(math.NaN())))
	require.Equal(t, 1, lines.Items()[0].Quantity)

	require.True(t, lines.SetQuantity("1", 4))
	require.Equal(t, 4, lines.Items()[0].Quantity)

	require.False(t, lines.SetQuantity("missing", 9))
	require.Equal(t, 1, lines.Len())
}

func TestLinesReset(t *testing.T) {
	lines := NewLines(nil)
	lines.AddOrMerge(productA())
	lines.Reset()
	require.Equal(t, 0, lines.Len())
}

func TestSessionAddProductRecomputes(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))

	_, err := s.AddProduct(productA())
	require.NoError(t, err)
	item, err := s.AddProduct(productA())
	require.NoError(t, err)

	require.Equal(t, 2, item.Quantity)
	requireAmount(t, "36.00", item.GSTAmount)
	requireAmount(t, "236.00", s.Totals.GrandTotal)
}

func TestSessionRejectsInvalidProducts(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))

	_, err := s.AddProduct(ProductRef{ID: "neg", UnitPrice: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrNegativePrice)

	_, err = s.AddProduct(ProductRef{ID: " "})
	require.ErrorIs(t, err, ErrInvalidProduct)
	require.Empty(t, s.Items)
}

func TestSessionModeToggleRecomputesExistingItems(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))
	_, err := s.AddProduct(productA())
	require.NoError(t, err)
	requireAmount(t, "118.00", s.Totals.GrandTotal)

	s.SetMode(ModeWithoutGST)
	requireAmount(t, "100.00", s.Totals.GrandTotal)
	require.True(t, s.Items[0].GSTAmount.IsZero())

	s.SetMode(ModeWithGST)
	requireAmount(t, "18.00", s.Items[0].GSTAmount)
}

func TestSessionSetQuantitiesBatch(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))
	_, _ = s.AddProduct(productA())
	_, _ = s.AddProduct(ProductRef{ID: "2", Name: "B", UnitPrice: decimal.NewFromInt(10)})

	s.SetQuantities(map[string]int{"1": 3, "2": 0, "ghost": 10})

	require.Len(t, s.Items, 2)
	require.Equal(t, 3, s.Items[0].Quantity)
	require.Equal(t, 1, s.Items[1].Quantity)
	requireAmount(t, "310.00", s.Totals.Subtotal)
	requireAmount(t, "54.00", s.Totals.TotalGST)
}

func TestSessionSaveRequestValidation(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))

	_, err := s.SaveRequest(true)
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.ElementsMatch(t, []string{"customer.name", "customer.email", "customer.phone", "items"}, verr.Fields)
	require.False(t, s.Valid())

	s.SetCustomer(Customer{Name: " Asha ", Email: "asha@example.com", Phone: "9800000000"})
	_, err = s.SaveRequest(true)
	require.ErrorIs(t, err, ErrValidation)

	_, _ = s.AddProduct(productA())
	s.SetPriceBook(PriceBookWholesale)
	req, err := s.SaveRequest(true)
	require.NoError(t, err)
	require.Equal(t, "Asha", req.Customer.Name)
	require.Equal(t, PriceBookWholesale, req.PriceBookName)
	require.Equal(t, ModeWithGST, req.BillingMode)
	require.True(t, req.SendEmail)
	require.Len(t, req.Items, 1)
	require.Equal(t, SaveItem{ProductID: "1", Quantity: 1, UnitPrice: decimal.NewFromInt(100), GSTApplicable: true}, req.Items[0])
	require.Empty(t, req.SubmissionID)
}

func TestSessionPendingSubmission(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))
	s.SetCustomer(Customer{Name: "A", Email: "a@b.c", Phone: "1"})
	_, _ = s.AddProduct(productA())
	s.Pending = &Submission{ID: "sub-1", StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	req, err := s.SaveRequest(false)
	require.NoError(t, err)
	require.Equal(t, "sub-1", req.SubmissionID)

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var decoded Session
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, s.Pending, decoded.Pending)

	s.Reset()
	require.Nil(t, s.Pending)
}

func TestSessionResetRestoresDefaults(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))
	s.SetCustomer(Customer{Name: "A", Email: "a@b.c", Phone: "1"})
	s.SetMode(ModeWithoutGST)
	s.SetPriceBook(PriceBookWholesale)
	_, _ = s.AddProduct(productA())

	s.Reset()

	require.Equal(t, "s1", s.ID)
	require.Empty(t, s.Items)
	require.Equal(t, Customer{}, s.Customer)
	require.Equal(t, PriceBookRetail, s.PriceBook)
	require.Equal(t, ModeWithGST, s.Mode)
	require.True(t, s.Totals.GrandTotal.IsZero())
}

func TestSessionJSONRoundTripKeepsTotals(t *testing.T) {
	s := NewSession("s1", NewCalculator(DefaultGSTRate))
	_, _ = s.AddProduct(productA())

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Session
	require.NoError(t, json.Unmarshal(raw, &decoded))
	decoded.UseCalculator(NewCalculator(DefaultGSTRate))
	_, err = decoded.AddProduct(productA())
	require.NoError(t, err)
	requireAmount(t, "236.00", decoded.Totals.GrandTotal)
}

func TestParseModeAndPriceBook(t *testing.T) {
	m, err := ParseMode("without_gst")
	require.NoError(t, err)
	require.Equal(t, ModeWithoutGST, m)
	_, err = ParseMode("vat")
	require.Error(t, err)

	pb, err := ParsePriceBook("WHOLESALE")
	require.NoError(t, err)
	require.Equal(t, PriceBookWholesale, pb)
	_, err = ParsePriceBook("vip")
	require.Error(t, err)
}
