package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/catalog"
	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/invoice"
	"github.com/noah-isme/pos-billing/internal/lock"
	"github.com/noah-isme/pos-billing/internal/obs"
	"github.com/noah-isme/pos-billing/internal/scan"
)

// ProductGetter loads a product priced in a price book.
type ProductGetter interface {
	Get(ctx context.Context, productID string, priceBook billing.PriceBook) (billing.ProductRef, error)
}

// CodeResolver turns a scanned code into a product.
type CodeResolver interface {
	Resolve(ctx context.Context, code string, priceBook billing.PriceBook) (billing.ProductRef, error)
}

// AccountFinder looks up an existing customer account by contact details.
type AccountFinder interface {
	FindExisting(ctx context.Context, email, phone string) (*string, error)
}

// InvoiceSaver persists a finished session.
type InvoiceSaver interface {
	Save(ctx context.Context, req billing.SaveRequest) (invoice.Result, error)
}

// Service drives the billing screen flow on stored sessions.
type Service struct {
	store            *Store
	products         ProductGetter
	scanner          CodeResolver
	accounts         AccountFinder
	invoices         InvoiceSaver
	defaultPriceBook billing.PriceBook
	submitTimeout    time.Duration
	now              func() time.Time
	logger           *zerolog.Logger
}

// ServiceConfig groups Service dependencies. Accounts is optional.
// SubmitTimeout bounds one invoice save; a submission older than that may be
// retried or cancelled.
type ServiceConfig struct {
	Store            *Store
	Products         ProductGetter
	Scanner          CodeResolver
	Accounts         AccountFinder
	Invoices         InvoiceSaver
	DefaultPriceBook billing.PriceBook
	SubmitTimeout    time.Duration
	Now              func() time.Time
	Logger           *zerolog.Logger
}

// ErrSubmitting is returned while the session is being saved as an invoice.
var ErrSubmitting = errors.New("session: submission in progress")

const (
	defaultSubmitTimeout = 30 * time.Second
	finishAttempts       = 3
)

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Store.R == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Products == nil || cfg.Scanner == nil {
		return nil, errors.New("session: product lookups are required")
	}
	if cfg.Invoices == nil {
		return nil, errors.New("session: invoice saver is required")
	}
	pb := cfg.DefaultPriceBook
	if pb == "" {
		pb = billing.PriceBookRetail
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:            cfg.Store,
		products:         cfg.Products,
		scanner:          cfg.Scanner,
		accounts:         cfg.Accounts,
		invoices:         cfg.Invoices,
		defaultPriceBook: pb,
		submitTimeout:    timeout,
		now:              now,
		logger:           logger,
	}, nil
}

// Create starts a new empty session.
func (s *Service) Create(ctx context.Context) (*billing.Session, error) {
	sess := billing.NewSession(uuid.NewString(), s.store.Calculator)
	sess.SetPriceBook(s.defaultPriceBook)
	if err := s.store.Save(ctx, sess); err != nil {
		return nil, err
	}
	obs.ObserveSessionMutation("create")
	return sess, nil
}

// Get returns a stored session.
func (s *Service) Get(ctx context.Context, id string) (*billing.Session, error) {
	sess, err := s.store.Load(ctx, id)
	return sess, mapError(err)
}

// Cancel discards the invoice in progress and keeps the session open. A
// submission still within its timeout cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*billing.Session, error) {
	return s.apply(ctx, id, "cancel", func(sess *billing.Session) error {
		if s.inFlight(sess) {
			return ErrSubmitting
		}
		s.reset(sess)
		return nil
	})
}

// Close ends a session, for example when the terminal signs out. A session
// with an unresolved submission stays until it is submitted or cancelled.
func (s *Service) Close(ctx context.Context, id string) error {
	err := s.store.Delete(ctx, id, func(sess *billing.Session) error {
		if sess.Pending != nil {
			return ErrSubmitting
		}
		return nil
	})
	if err != nil {
		return mapError(err)
	}
	obs.ObserveSessionMutation("close")
	s.logger.Info().Str("session_id", id).Msg("session_closed")
	return nil
}

// SetCustomer replaces the customer. When no account was picked and an
// email or phone is given, the matching existing account is attached.
func (s *Service) SetCustomer(ctx context.Context, id string, c billing.Customer) (*billing.Session, error) {
	return s.update(ctx, id, "customer", func(sess *billing.Session) error {
		sess.SetCustomer(c)
		if s.accounts == nil || sess.Customer.ExistingAccountID != "" {
			return nil
		}
		found, err := s.accounts.FindExisting(ctx, sess.Customer.Email, sess.Customer.Phone)
		if err != nil {
			return err
		}
		if found != nil {
			sess.Customer.ExistingAccountID = *found
		}
		return nil
	})
}

// SetPriceBook switches the price book used for product lookups.
func (s *Service) SetPriceBook(ctx context.Context, id, value string) (*billing.Session, error) {
	pb, err := billing.ParsePriceBook(value)
	if err != nil {
		return nil, common.BadRequest(err.Error(), err)
	}
	return s.update(ctx, id, "price_book", func(sess *billing.Session) error {
		sess.SetPriceBook(pb)
		return nil
	})
}

// SetMode toggles GST and re-evaluates every line.
func (s *Service) SetMode(ctx context.Context, id, value string) (*billing.Session, error) {
	mode, err := billing.ParseMode(value)
	if err != nil {
		return nil, common.BadRequest(err.Error(), err)
	}
	return s.update(ctx, id, "mode", func(sess *billing.Session) error {
		sess.SetMode(mode)
		return nil
	})
}

// AddProduct adds a catalog product chosen from search results.
func (s *Service) AddProduct(ctx context.Context, id, productID string) (*billing.Session, error) {
	return s.update(ctx, id, "add", func(sess *billing.Session) error {
		ref, err := s.products.Get(ctx, productID, sess.PriceBook)
		if err != nil {
			return err
		}
		_, err = sess.AddProduct(ref)
		return err
	})
}

// Scan adds the first product matching a scanned code.
func (s *Service) Scan(ctx context.Context, id, code string) (*billing.Session, error) {
	return s.update(ctx, id, "scan", func(sess *billing.Session) error {
		ref, err := s.scanner.Resolve(ctx, code, sess.PriceBook)
		if err != nil {
			return err
		}
		_, err = sess.AddProduct(ref)
		return err
	})
}

// EditQuantities applies a batch of raw quantity drafts. Drafts that are not
// positive numbers become 1.
func (s *Service) EditQuantities(ctx context.Context, id string, drafts map[string]any) (*billing.Session, error) {
	quantities := make(map[string]int, len(drafts))
	for productID, draft := range drafts {
		quantities[productID] = billing.CoerceQuantity(draft)
	}
	return s.update(ctx, id, "quantities", func(sess *billing.Session) error {
		sess.SetQuantities(quantities)
		return nil
	})
}

// Submit saves the session as an invoice and starts a fresh one on success.
//
// The session lock is only held to mark the submission and to reset the
// session afterwards, never across the save. The mark carries a submission id
// that the invoice store deduplicates on, so a retried or overlapping submit
// of the same session cannot create a second invoice. While marked, the
// session refuses edits; another submit is refused until the mark is older
// than the submit timeout, and then reuses the same id.
func (s *Service) Submit(ctx context.Context, id string, sendEmail bool) (invoice.Result, *billing.Session, error) {
	var req billing.SaveRequest
	_, err := s.apply(ctx, id, "submit_start", func(sess *billing.Session) error {
		if s.inFlight(sess) {
			return ErrSubmitting
		}
		if sess.Pending == nil {
			sess.Pending = &billing.Submission{ID: uuid.NewString()}
		}
		sess.Pending.StartedAt = s.now().UTC()
		var err error
		req, err = sess.SaveRequest(sendEmail)
		return err
	})
	if err != nil {
		return invoice.Result{}, nil, err
	}
	log := s.logger.With().Str("session_id", id).Str("submission_id", req.SubmissionID).Logger()

	saveCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	res, err := s.invoices.Save(saveCtx, req)
	cancel()
	if err != nil {
		s.release(ctx, id, req.SubmissionID, common.IsAppError(err), log)
		return invoice.Result{}, nil, mapError(err)
	}

	sess, err := s.finish(ctx, id, req.SubmissionID)
	if err != nil {
		// the invoice exists; a later submit replays it through the same
		// submission id and then resets the session
		log.Error().Err(err).Str("invoice_id", res.InvoiceID).Msg("session_reset_failed")
	}
	log.Info().Str("invoice_id", res.InvoiceID).Msg("session_submitted")
	return res, sess, nil
}

// finish resets the session after a stored invoice. It runs even when ctx
// was cancelled during the save and retries lock contention.
func (s *Service) finish(ctx context.Context, id, submissionID string) (*billing.Session, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		sess *billing.Session
		err  error
	)
	for attempt := 1; attempt <= finishAttempts; attempt++ {
		sess, err = s.apply(ctx, id, "submit", func(sess *billing.Session) error {
			if sess.Pending == nil || sess.Pending.ID != submissionID {
				return errSuperseded
			}
			s.reset(sess)
			return nil
		})
		if errors.Is(err, errSuperseded) {
			return s.Get(ctx, id)
		}
		if err == nil || (common.IsAppError(err) && !errors.Is(err, lock.ErrNotAcquired)) {
			return sess, err
		}
		time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
	}
	return sess, err
}

var errSuperseded = errors.New("session: submission superseded")

// release clears the mark after a failed save. When the failure was a
// definite rejection the session becomes editable again; otherwise the
// invoice may have been stored, so the mark stays and only its age is
// cleared to allow an immediate retry.
func (s *Service) release(ctx context.Context, id, submissionID string, rejected bool, log zerolog.Logger) {
	_, err := s.apply(context.WithoutCancel(ctx), id, "submit_failed", func(sess *billing.Session) error {
		if sess.Pending == nil || sess.Pending.ID != submissionID {
			return errSuperseded
		}
		if rejected {
			sess.Pending = nil
		} else {
			sess.Pending.StartedAt = time.Time{}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSuperseded) {
		log.Warn().Err(err).Msg("session_release_failed")
	}
}

// inFlight reports a submission that started less than the submit timeout ago.
func (s *Service) inFlight(sess *billing.Session) bool {
	return sess.Pending != nil && s.now().Sub(sess.Pending.StartedAt) < s.submitTimeout
}

func (s *Service) reset(sess *billing.Session) {
	sess.Reset()
	sess.SetPriceBook(s.defaultPriceBook)
}

// update applies an edit; edits are refused while a submission is marked.
func (s *Service) update(ctx context.Context, id, op string, fn func(*billing.Session) error) (*billing.Session, error) {
	return s.apply(ctx, id, op, func(sess *billing.Session) error {
		if sess.Pending != nil {
			return ErrSubmitting
		}
		return fn(sess)
	})
}

func (s *Service) apply(ctx context.Context, id, op string, fn func(*billing.Session) error) (*billing.Session, error) {
	sess, err := s.store.Update(ctx, id, fn)
	if err != nil {
		return nil, mapError(err)
	}
	obs.ObserveSessionMutation(op)
	return sess, nil
}

func mapError(err error) error {
	if err == nil || common.IsAppError(err) {
		return err
	}
	var (
		verr    *billing.ValidationError
		noMatch *scan.NoMatchError
	)
	switch {
	case errors.Is(err, ErrNotFound):
		return common.NotFound("session not found", err)
	case errors.As(err, &verr):
		return common.Unprocessable("session is not ready to be saved", err).WithDetails(verr.Fields)
	case errors.Is(err, billing.ErrNegativePrice):
		return common.Unprocessable("product price must not be negative", err)
	case errors.Is(err, billing.ErrInvalidProduct):
		return common.BadRequest("product id is required", err)
	case errors.Is(err, catalog.ErrNotFound):
		return common.NotFound("product not found", err)
	case errors.As(err, &noMatch):
		return common.NewAppError("NO_MATCH", noMatch.Error(), http.StatusNotFound, err)
	case errors.Is(err, lock.ErrNotAcquired):
		return common.Conflict("session is busy", err)
	case errors.Is(err, ErrSubmitting):
		return common.Conflict("session is being submitted", err)
	}
	return err
}
