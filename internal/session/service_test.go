package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/catalog"
	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/invoice"
	"github.com/noah-isme/pos-billing/internal/lock"
	"github.com/noah-isme/pos-billing/internal/scan"
	"github.com/noah-isme/pos-billing/internal/session"
)

type products map[billing.PriceBook]map[string]billing.ProductRef

func (p products) Get(_ context.Context, id string, pb billing.PriceBook) (billing.ProductRef, error) {
	ref, ok := p[pb][id]
	if !ok {
		return billing.ProductRef{}, catalog.ErrNotFound
	}
	return ref, nil
}

func (p products) Search(_ context.Context, term string, pb billing.PriceBook) ([]billing.ProductRef, error) {
	var out []billing.ProductRef
	for _, ref := range p[pb] {
		if strings.EqualFold(ref.Code, term) {
			out = append(out, ref)
		}
	}
	return out, nil
}

type accounts map[string]string

func (a accounts) FindExisting(_ context.Context, email, _ string) (*string, error) {
	if id, ok := a[email]; ok {
		return &id, nil
	}
	return nil, nil
}

type saver struct {
	mu       sync.Mutex
	requests []billing.SaveRequest
	err      error
	// during runs once, on the next save, before it completes.
	during func(billing.SaveRequest)
}

func (s *saver) Save(_ context.Context, req billing.SaveRequest) (invoice.Result, error) {
	s.mu.Lock()
	during := s.during
	s.during = nil
	s.mu.Unlock()
	if during != nil {
		during(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return invoice.Result{}, s.err
	}
	s.requests = append(s.requests, req)
	return invoice.Result{InvoiceID: "inv-1", InvoiceNumber: "INV-001000"}, nil
}

func catalogFixture() products {
	return products{
		billing.PriceBookRetail: {
			"p1":  {ID: "p1", Name: "Product A", Code: "A-001", UnitPrice: decimal.NewFromInt(100), GSTApplicable: true},
			"p2":  {ID: "p2", Name: "Product B", Code: "B-002", UnitPrice: decimal.NewFromInt(10)},
			"neg": {ID: "neg", Name: "Broken", Code: "NEG", UnitPrice: decimal.NewFromInt(-5)},
		},
		billing.PriceBookWholesale: {
			"p1": {ID: "p1", Name: "Product A", Code: "A-001", UnitPrice: decimal.NewFromInt(80), GSTApplicable: true},
		},
	}
}

type fixture struct {
	svc   *session.Service
	saver *saver
	mr    *miniredis.Miniredis
	clock *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFixture(t *testing.T, defaultBook billing.PriceBook) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cat := catalogFixture()
	sv := &saver{}
	clk := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	svc, err := session.NewService(session.ServiceConfig{
		Store: &session.Store{
			R:          rdb,
			Prefix:     "test:",
			TTL:        time.Hour,
			Locker:     lock.Locker{R: rdb, Prefix: "test:", RetryBackoff: 2 * time.Millisecond},
			Calculator: billing.NewCalculator(billing.DefaultGSTRate),
		},
		Products:         cat,
		Scanner:          scan.Resolver{Catalog: cat},
		Accounts:         accounts{"asha@example.com": "acc-1"},
		Invoices:         sv,
		DefaultPriceBook: defaultBook,
		SubmitTimeout:    30 * time.Second,
		Now:              clk.now,
	})
	require.NoError(t, err)
	return fixture{svc: svc, saver: sv, mr: mr, clock: clk}
}

func requireAppStatus(t *testing.T, err error, status int) *common.AppError {
	t.Helper()
	var appErr *common.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	require.Equal(t, status, appErr.HTTPStatus)
	return appErr
}

func TestCreateUsesDefaultPriceBookAndTTL(t *testing.T) {
	f := newFixture(t, billing.PriceBookWholesale)
	ctx := context.Background()

	sess, err := f.svc.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, billing.PriceBookWholesale, sess.PriceBook)
	require.Equal(t, billing.ModeWithGST, sess.Mode)
	require.Equal(t, time.Hour, f.mr.TTL("test:session:"+sess.ID))

	loaded, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, loaded.ID)

	_, err = f.svc.Get(ctx, "missing")
	requireAppStatus(t, err, http.StatusNotFound)
}

func TestAddScanAndToggle(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	sess, err := f.svc.Create(ctx)
	require.NoError(t, err)

	_, err = f.svc.AddProduct(ctx, sess.ID, "p1")
	require.NoError(t, err)
	updated, err := f.svc.Scan(ctx, sess.ID, " a-001 ")
	require.NoError(t, err)
	require.Len(t, updated.Items, 1)
	require.Equal(t, 2, updated.Items[0].Quantity)
	require.Equal(t, "236.00", billing.FormatAmount(updated.Totals.GrandTotal))

	updated, err = f.svc.SetMode(ctx, sess.ID, "without_gst")
	require.NoError(t, err)
	require.Equal(t, "200.00", billing.FormatAmount(updated.Totals.GrandTotal))

	_, err = f.svc.Scan(ctx, sess.ID, "ZZZ")
	appErr := requireAppStatus(t, err, http.StatusNotFound)
	require.Equal(t, "No product found with code: ZZZ", appErr.Message)
	require.Equal(t, "NO_MATCH", appErr.Code)

	_, err = f.svc.AddProduct(ctx, sess.ID, "neg")
	requireAppStatus(t, err, http.StatusUnprocessableEntity)

	_, err = f.svc.AddProduct(ctx, sess.ID, "ghost")
	requireAppStatus(t, err, http.StatusNotFound)

	_, err = f.svc.SetMode(ctx, sess.ID, "vat")
	requireAppStatus(t, err, http.StatusBadRequest)

	// failed mutations leave the stored session untouched
	stored, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	require.Equal(t, billing.ModeWithoutGST, stored.Mode)
}

func TestPriceBookDrivesLookups(t *testing.T) {
	f := newFixture(t, billing.PriceBookRetail)
	ctx := context.Background()
	sess, _ := f.svc.Create(ctx)

	_, err := f.svc.SetPriceBook(ctx, sess.ID, "wholesale")
	require.NoError(t, err)
	updated, err := f.svc.AddProduct(ctx, sess.ID, "p1")
	require.NoError(t, err)
	require.Equal(t, "80.00", billing.FormatAmount(updated.Items[0].UnitPrice))

	_, err = f.svc.SetPriceBook(ctx, sess.ID, "vip")
	requireAppStatus(t, err, http.StatusBadRequest)
}

func TestEditQuantitiesCoercesDrafts(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	sess, _ := f.svc.Create(ctx)
	_, _ = f.svc.AddProduct(ctx, sess.ID, "p1")
	_, _ = f.svc.AddProduct(ctx, sess.ID, "p2")

	updated, err := f.svc.EditQuantities(ctx, sess.ID, map[string]any{
		"p1":    json.Number("3"),
		"p2":    "",
		"ghost": 4,
	})
	require.NoError(t, err)
	require.Len(t, updated.Items, 2)
	require.Equal(t, 3, updated.Items[0].Quantity)
	require.Equal(t, 1, updated.Items[1].Quantity)
	require.Equal(t, "364.00", billing.FormatAmount(updated.Totals.GrandTotal))
}

func TestSetCustomerAttachesExistingAccount(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	sess, _ := f.svc.Create(ctx)

	updated, err := f.svc.SetCustomer(ctx, sess.ID, billing.Customer{Name: "Asha", Email: " asha@example.com ", Phone: "1"})
	require.NoError(t, err)
	require.Equal(t, "acc-1", updated.Customer.ExistingAccountID)

	updated, err = f.svc.SetCustomer(ctx, sess.ID, billing.Customer{Name: "Ravi", Email: "ravi@example.com", Phone: "2"})
	require.NoError(t, err)
	require.Empty(t, updated.Customer.ExistingAccountID)

	updated, err = f.svc.SetCustomer(ctx, sess.ID, billing.Customer{Name: "Asha", Email: "asha@example.com", ExistingAccountID: "picked"})
	require.NoError(t, err)
	require.Equal(t, "picked", updated.Customer.ExistingAccountID)
}

func TestSubmitResetsOnSuccessOnly(t *testing.T) {
	f := newFixture(t, billing.PriceBookWholesale)
	ctx := context.Background()
	sess, _ := f.svc.Create(ctx)

	_, _, err := f.svc.Submit(ctx, sess.ID, true)
	appErr := requireAppStatus(t, err, http.StatusUnprocessableEntity)
	require.Contains(t, appErr.Details, "items")

	_, err = f.svc.SetCustomer(ctx, sess.ID, billing.Customer{Name: "Asha", Email: "asha@example.com", Phone: "9800000000"})
	require.NoError(t, err)
	_, err = f.svc.AddProduct(ctx, sess.ID, "p1")
	require.NoError(t, err)

	f.saver.err = errors.New("db down")
	_, _, err = f.svc.Submit(ctx, sess.ID, true)
	require.Error(t, err)
	kept, _ := f.svc.Get(ctx, sess.ID)
	require.Len(t, kept.Items, 1)

	f.saver.err = nil
	res, fresh, err := f.svc.Submit(ctx, sess.ID, false)
	require.NoError(t, err)
	require.Equal(t, "INV-001000", res.InvoiceNumber)
	require.Empty(t, fresh.Items)
	require.Equal(t, billing.Customer{}, fresh.Customer)
	require.Equal(t, billing.PriceBookWholesale, fresh.PriceBook)

	require.Len(t, f.saver.requests, 1)
	req := f.saver.requests[0]
	require.False(t, req.SendEmail)
	require.Equal(t, "acc-1", req.Customer.ExistingAccountID)
	require.Equal(t, billing.PriceBookWholesale, req.PriceBookName)
}

func readySession(t *testing.T, f fixture) string {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.Create(ctx)
	require.NoError(t, err)
	_, err = f.svc.SetCustomer(ctx, sess.ID, billing.Customer{Name: "Asha", Email: "asha@example.com", Phone: "9800000000"})
	require.NoError(t, err)
	_, err = f.svc.AddProduct(ctx, sess.ID, "p1")
	require.NoError(t, err)
	return sess.ID
}

func TestSubmitRefusesOverlappingSubmit(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	id := readySession(t, f)

	f.saver.during = func(billing.SaveRequest) {
		// outlive the session lock before the first save returns
		f.mr.FastForward(6 * time.Second)
		_, _, err := f.svc.Submit(ctx, id, true)
		requireAppStatus(t, err, http.StatusConflict)
		_, err = f.svc.AddProduct(ctx, id, "p2")
		requireAppStatus(t, err, http.StatusConflict)
		_, err = f.svc.Cancel(ctx, id)
		requireAppStatus(t, err, http.StatusConflict)
	}

	res, fresh, err := f.svc.Submit(ctx, id, true)
	require.NoError(t, err)
	require.Equal(t, "inv-1", res.InvoiceID)
	require.Len(t, f.saver.requests, 1)
	require.Empty(t, fresh.Items)
	require.Nil(t, fresh.Pending)
}

func TestSubmitResetsWhenCallerGoesAway(t *testing.T) {
	f := newFixture(t, "")
	id := readySession(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	f.saver.during = func(billing.SaveRequest) { cancel() }

	_, fresh, err := f.svc.Submit(ctx, id, true)
	require.NoError(t, err)
	require.Empty(t, fresh.Items)

	stored, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.Empty(t, stored.Items)
	require.Nil(t, stored.Pending)
}

func TestSubmitRetryReusesSubmissionID(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	id := readySession(t, f)

	f.saver.err = errors.New("connection reset after commit")
	_, _, err := f.svc.Submit(ctx, id, true)
	require.Error(t, err)

	pending, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, pending.Pending)
	require.Len(t, pending.Items, 1)
	_, err = f.svc.AddProduct(ctx, id, "p2")
	requireAppStatus(t, err, http.StatusConflict)

	f.saver.err = nil
	_, fresh, err := f.svc.Submit(ctx, id, true)
	require.NoError(t, err)
	require.Empty(t, fresh.Items)
	require.Len(t, f.saver.requests, 1)
	require.Equal(t, pending.Pending.ID, f.saver.requests[0].SubmissionID)
}

func TestRejectedSubmitUnlocksSession(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	id := readySession(t, f)

	f.saver.err = common.Unprocessable("unknown customer account", invoice.ErrUnknownAccount)
	_, _, err := f.svc.Submit(ctx, id, true)
	requireAppStatus(t, err, http.StatusUnprocessableEntity)

	kept, err := f.svc.AddProduct(ctx, id, "p2")
	require.NoError(t, err)
	require.Nil(t, kept.Pending)
	require.Len(t, kept.Items, 2)
}

func TestStaleSubmissionIsRetriedWithSameID(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	id := readySession(t, f)

	f.saver.during = func(billing.SaveRequest) {
		f.clock.advance(31 * time.Second)
		_, _, err := f.svc.Submit(ctx, id, true)
		require.NoError(t, err)
	}
	_, _, err := f.svc.Submit(ctx, id, true)
	require.NoError(t, err)

	require.Len(t, f.saver.requests, 2)
	require.NotEmpty(t, f.saver.requests[0].SubmissionID)
	require.Equal(t, f.saver.requests[0].SubmissionID, f.saver.requests[1].SubmissionID)
}

func TestCloseRemovesSessionUnlessSubmissionPending(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	id := readySession(t, f)

	f.saver.err = errors.New("timeout")
	_, _, err := f.svc.Submit(ctx, id, true)
	require.Error(t, err)
	requireAppStatus(t, f.svc.Close(ctx, id), http.StatusConflict)

	_, err = f.svc.Cancel(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.svc.Close(ctx, id))
	require.False(t, f.mr.Exists("test:session:"+id))
	_, err = f.svc.Get(ctx, id)
	requireAppStatus(t, err, http.StatusNotFound)
}

func TestCancelResets(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	sess, _ := f.svc.Create(ctx)
	_, _ = f.svc.AddProduct(ctx, sess.ID, "p1")
	_, _ = f.svc.SetMode(ctx, sess.ID, "Without GST")

	reset, err := f.svc.Cancel(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, reset.Items)
	require.Equal(t, billing.ModeWithGST, reset.Mode)
}

func TestConcurrentAddsAreSerialised(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	sess, _ := f.svc.Create(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddProduct(ctx, sess.ID, "p1")
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	final, err := f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 10, final.Items[0].Quantity)
}

func TestNewServiceValidates(t *testing.T) {
	_, err := session.NewService(session.ServiceConfig{})
	require.Error(t, err)
}

func TestHandlersFlow(t *testing.T) {
	f := newFixture(t, "")
	h := session.NewHandler(f.svc)
	r := chi.NewRouter()
	r.Post("/sessions", h.Create)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Delete("/", h.Cancel)
		r.Put("/customer", h.SetCustomer)
		r.Put("/price-book", h.SetPriceBook)
		r.Put("/mode", h.SetMode)
		r.Post("/items", h.AddProduct)
		r.Patch("/items", h.EditQuantities)
		r.Post("/scan", h.Scan)
		r.Post("/submit", h.Submit)
		r.Post("/close", h.Close)
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodPost, "/sessions", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data billing.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	base := "/sessions/" + created.Data.ID

	require.Equal(t, http.StatusOK, do(http.MethodPost, base+"/scan", `{"code":"A-001"}`).Code)
	require.Equal(t, http.StatusOK, do(http.MethodPatch, base+"/items", `{"quantities":{"p1":"2"}}`).Code)
	require.Equal(t, http.StatusOK, do(http.MethodPut, base+"/mode", `{"billingMode":"With GST"}`).Code)
	require.Equal(t, http.StatusOK, do(http.MethodPut, base+"/price-book", `{"priceBook":"Retail"}`).Code)
	require.Equal(t, http.StatusOK, do(http.MethodPut, base+"/customer", `{"name":"Asha","email":"asha@example.com","phone":"1"}`).Code)
	require.Equal(t, http.StatusBadRequest, do(http.MethodPost, base+"/items", `{"bogus":true}`).Code)

	rec = do(http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Data billing.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "236.00", billing.FormatAmount(got.Data.Totals.GrandTotal))

	rec = do(http.MethodPost, base+"/submit", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.True(t, f.saver.requests[0].SendEmail)

	require.Equal(t, http.StatusOK, do(http.MethodDelete, base, "").Code)
	require.Equal(t, http.StatusNotFound, do(http.MethodGet, "/sessions/nope", "").Code)
	require.Equal(t, http.StatusNoContent, do(http.MethodPost, base+"/close", "").Code)
	require.Equal(t, http.StatusNotFound, do(http.MethodGet, base, "").Code)
	require.Equal(t, http.StatusNotFound, do(http.MethodPost, base+"/close", "").Code)

	rec = httptest.NewRecorder()
	session.NewHandler(nil).Create(rec, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
