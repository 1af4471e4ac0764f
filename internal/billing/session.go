package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation is returned when a session is not ready to be saved.
	ErrValidation = errors.New("billing: validation failed")
	// ErrNegativePrice rejects products priced below zero.
	ErrNegativePrice = errors.New("billing: negative unit price")
	// ErrInvalidProduct rejects products without an identifier.
	ErrInvalidProduct = errors.New("billing: product id is required")
)

// ValidationError lists the fields that failed the pre-save check.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("billing: validation failed: %s", strings.Join(e.Fields, ", "))
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Session is one invoice in progress. It is owned by its caller and is not
// safe for concurrent use.
type Session struct {
	ID        string     `json:"id"`
	Customer  Customer   `json:"customer"`
	PriceBook PriceBook  `json:"priceBook"`
	Mode      Mode       `json:"billingMode"`
	Items     []LineItem `json:"items"`
	Totals    Totals     `json:"totals"`
	// Pending is set while the session is being saved as an invoice.
	Pending *Submission `json:"pending,omitempty"`

	calc *Calculator
}

// Submission marks a save in flight. ID is handed to the invoice store so a
// retried save cannot create a second invoice.
type Submission struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// NewSession returns an empty session using calc for totals.
func NewSession(id string, calc Calculator) *Session {
	s := &Session{ID: id}
	s.UseCalculator(calc)
	s.Reset()
	return s
}

// UseCalculator binds the calculator, typically after decoding a stored session.
func (s *Session) UseCalculator(calc Calculator) {
	s.calc = &calc
}

func (s *Session) calculator() Calculator {
	if s.calc == nil {
		return Calculator{Rate: DefaultGSTRate}
	}
	return *s.calc
}

// ApplyAndRecompute runs mutate against a copy of the items and replaces the
// session items and totals with the recomputed result.
func (s *Session) ApplyAndRecompute(mutate func(*Lines)) {
	lines := NewLines(s.Items)
	if mutate != nil {
		mutate(lines)
	}
	s.Items, s.Totals = s.calculator().Recompute(lines.Items(), s.mode())
}

// AddProduct adds ref or bumps its quantity, then recomputes.
func (s *Session) AddProduct(ref ProductRef) (LineItem, error) {
	if strings.TrimSpace(ref.ID) == "" {
		return LineItem{}, ErrInvalidProduct
	}
	if ref.UnitPrice.IsNegative() {
		return LineItem{}, fmt.Errorf("%w: %s", ErrNegativePrice, ref.ID)
	}
	s.ApplyAndRecompute(func(l *Lines) { l.AddOrMerge(ref) })
	for _, it := range s.Items {
		if it.ProductID == ref.ID {
			return it, nil
		}
	}
	return LineItem{}, ErrInvalidProduct
}

// SetQuantities applies a batch of quantity edits with a single recompute.
// Unknown product ids are skipped.
func (s *Session) SetQuantities(quantities map[string]int) {
	s.ApplyAndRecompute(func(l *Lines) {
		for id, qty := range quantities {
			l.SetQuantity(id, qty)
		}
	})
}

// SetMode switches the billing mode and re-evaluates every item.
func (s *Session) SetMode(mode Mode) {
	s.Mode = mode
	s.ApplyAndRecompute(nil)
}

// SetPriceBook changes the price book used for subsequent searches.
func (s *Session) SetPriceBook(pb PriceBook) {
	s.PriceBook = pb
}

// SetCustomer replaces the customer details.
func (s *Session) SetCustomer(c Customer) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)
	c.ExistingAccountID = strings.TrimSpace(c.ExistingAccountID)
	s.Customer = c
}

// Reset starts a new invoice: no items, no customer, default price book and mode.
func (s *Session) Reset() {
	s.Customer = Customer{}
	s.PriceBook = PriceBookRetail
	s.Mode = ModeWithGST
	s.Items = []LineItem{}
	s.Totals = Totals{Subtotal: decimal.Zero, TotalGST: decimal.Zero, GrandTotal: decimal.Zero}
	s.Pending = nil
}

// Validate reports missing customer fields and an empty item list.
func (s *Session) Validate() error {
	var fields []string
	if strings.TrimSpace(s.Customer.Name) == "" {
		fields = append(fields, "customer.name")
	}
	if strings.TrimSpace(s.Customer.Email) == "" {
		fields = append(fields, "customer.email")
	}
	if strings.TrimSpace(s.Customer.Phone) == "" {
		fields = append(fields, "customer.phone")
	}
	if len(s.Items) == 0 {
		fields = append(fields, "items")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Valid is the boolean form of Validate.
func (s *Session) Valid() bool {
	return s.Validate() == nil
}

// SaveRequest recomputes, validates and serializes the session.
func (s *Session) SaveRequest(sendEmail bool) (SaveRequest, error) {
	s.ApplyAndRecompute(nil)
	if err := s.Validate(); err != nil {
		return SaveRequest{}, err
	}
	items := make([]SaveItem, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, SaveItem{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			UnitPrice:     it.UnitPrice,
			GSTApplicable: it.GSTApplicable,
		})
	}
	return SaveRequest{
		Customer:      s.Customer,
		Items:         items,
		PriceBookName: s.priceBook(),
		BillingMode:   s.mode(),
		SendEmail:     sendEmail,
		SubmissionID:  s.submissionID(),
	}, nil
}

func (s *Session) submissionID() string {
	if s.Pending == nil {
		return ""
	}
	return s.Pending.ID
}

func (s *Session) mode() Mode {
	if s.Mode == "" {
		return ModeWithGST
	}
	return s.Mode
}

func (s *Session) priceBook() PriceBook {
	if s.PriceBook == "" {
		return PriceBookRetail
	}
	return s.PriceBook
}
