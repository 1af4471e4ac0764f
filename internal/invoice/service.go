package invoice

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-billing/internal/auth"
	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/catalog"
	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/events"
	"github.com/noah-isme/pos-billing/internal/obs"
)

// ProductLookup resolves product display data for invoice lines.
type ProductLookup interface {
	Get(ctx context.Context, productID string, priceBook billing.PriceBook) (billing.ProductRef, error)
}

// EventEmitter publishes domain events.
type EventEmitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Result is returned to the caller after a successful save.
type Result struct {
	InvoiceID     string         `json:"invoiceId"`
	InvoiceNumber string         `json:"invoiceNumber"`
	AccountID     string         `json:"accountId"`
	Totals        billing.Totals `json:"totals"`
}

// Service validates, prices and persists invoices.
type Service struct {
	store     Store
	calc      billing.Calculator
	products  ProductLookup
	events    EventEmitter
	validator *validator.Validate
	logger    *zerolog.Logger
}

// ServiceConfig configures the invoice service. Calculator defaults to the
// standard GST rate; Products and Events are optional.
type ServiceConfig struct {
	Store      Store
	Calculator *billing.Calculator
	Products   ProductLookup
	Events     EventEmitter
	Logger     *zerolog.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("invoice store is required")
	}
	calc := billing.NewCalculator(billing.DefaultGSTRate)
	if cfg.Calculator != nil {
		calc = billing.NewCalculator(cfg.Calculator.Rate)
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		store:     cfg.Store,
		calc:      calc,
		products:  cfg.Products,
		events:    cfg.Events,
		validator: newValidator(),
		logger:    logger,
	}, nil
}

// Save validates req, recomputes its totals with the configured rate and
// stores it. The event is emitted after the invoice is committed; a failed
// notification does not fail the save. A request whose SubmissionID was
// already stored returns that invoice without emitting again.
func (s *Service) Save(ctx context.Context, req billing.SaveRequest) (Result, error) {
	req = normalize(req)
	if err := s.validate(req); err != nil {
		obs.ObserveInvoiceSaved(string(req.BillingMode), "invalid", 0)
		return Result{}, err
	}

	lines, err := s.lines(ctx, req)
	if err != nil {
		obs.ObserveInvoiceSaved(string(req.BillingMode), "invalid", 0)
		return Result{}, err
	}
	lines, totals := s.calc.Recompute(lines, req.BillingMode)

	inv := &Invoice{
		Customer:     req.Customer,
		PriceBook:    req.PriceBookName,
		BillingMode:  req.BillingMode,
		GSTRate:      s.calc.Rate,
		Lines:        lines,
		Totals:       totals,
		SendEmail:    req.SendEmail,
		SubmissionID: req.SubmissionID,
	}
	if cashier, ok := auth.CashierFrom(ctx); ok {
		inv.CashierID = cashier
	}
	err = s.store.Create(ctx, inv)
	if errors.Is(err, ErrAlreadySaved) {
		obs.ObserveInvoiceSaved(string(req.BillingMode), "replayed", 0)
		s.logger.Info().
			Str("invoice_id", inv.ID).
			Str("invoice_number", inv.Number).
			Str("submission_id", req.SubmissionID).
			Msg("invoice_replayed")
		return Result{InvoiceID: inv.ID, InvoiceNumber: inv.Number, AccountID: inv.AccountID, Totals: inv.Totals}, nil
	}
	if err != nil {
		obs.ObserveInvoiceSaved(string(req.BillingMode), "error", 0)
		return Result{}, storeError(err)
	}
	grand, _ := totals.GrandTotal.Float64()
	obs.ObserveInvoiceSaved(string(req.BillingMode), "ok", grand)

	log := s.logger.With().
		Str("invoice_id", inv.ID).
		Str("invoice_number", inv.Number).
		Str("billing_mode", string(inv.BillingMode)).
		Str("grand_total", billing.FormatAmount(totals.GrandTotal)).
		Logger()
	log.Info().Int("lines", len(lines)).Msg("invoice_saved")

	if s.events != nil {
		if _, err := s.events.Emit(ctx, events.TopicInvoiceCreated, inv.ID, createdPayload(inv)); err != nil {
			log.Warn().Err(err).Msg("invoice_event_failed")
		}
	}

	return Result{InvoiceID: inv.ID, InvoiceNumber: inv.Number, AccountID: inv.AccountID, Totals: totals}, nil
}

// Get returns a stored invoice.
func (s *Service) Get(ctx context.Context, id string) (Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Invoice{}, common.NotFound("invoice not found", err)
	}
	return inv, err
}

// lines merges repeated product ids and attaches product display data.
// Prices always come from the request.
func (s *Service) lines(ctx context.Context, req billing.SaveRequest) ([]billing.LineItem, error) {
	index := make(map[string]int, len(req.Items))
	out := make([]billing.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		line := billing.LineItem{
			ProductID:     item.ProductID,
			UnitPrice:     item.UnitPrice,
			GSTApplicable: item.GSTApplicable,
			Quantity:      item.Quantity,
		}
		if s.products != nil {
			p, err := s.products.Get(ctx, item.ProductID, req.PriceBookName)
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, common.Unprocessable("unknown product", err).
					WithDetails([]FieldError{{Field: "items.productId", Rule: "exists"}})
			}
			if err != nil {
				return nil, err
			}
			line.ProductName = p.Name
			line.ProductCode = p.Code
		}
		index[item.ProductID] = len(out)
		out = append(out, line)
	}
	for _, line := range out {
		if line.Quantity > billing.MaxQuantity {
			return nil, common.Unprocessable("invalid invoice", fmt.Errorf("product %s quantity %d exceeds %d", line.ProductID, line.Quantity, billing.MaxQuantity)).
				WithDetails([]FieldError{{Field: "items.quantity", Rule: "lte"}})
		}
	}
	return out, nil
}

func createdPayload(inv *Invoice) events.InvoiceCreated {
	lines := make([]events.InvoiceLine, 0, len(inv.Lines))
	for _, l := range inv.Lines {
		lines = append(lines, events.InvoiceLine{
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			ProductCode: l.ProductCode,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			GSTAmount:   l.GSTAmount,
			Total:       l.Total,
		})
	}
	return events.InvoiceCreated{
		InvoiceID:     inv.ID,
		InvoiceNumber: inv.Number,
		AccountID:     inv.AccountID,
		CustomerName:  inv.Customer.Name,
		CustomerEmail: inv.Customer.Email,
		PriceBook:     string(inv.PriceBook),
		BillingMode:   string(inv.BillingMode),
		Lines:         lines,
		Subtotal:      inv.Totals.Subtotal,
		TotalGST:      inv.Totals.TotalGST,
		GrandTotal:    inv.Totals.GrandTotal,
		SendEmail:     inv.SendEmail,
		CashierID:     inv.CashierID,
	}
}
