package session

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/common"
)

// Handler exposes the billing session endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type priceBookRequest struct {
	PriceBook string `json:"priceBook"`
}

type modeRequest struct {
	BillingMode string `json:"billingMode"`
}

type addProductRequest struct {
	ProductID string `json:"productId"`
}

type scanRequest struct {
	Code string `json:"code"`
}

type quantitiesRequest struct {
	Quantities map[string]any `json:"quantities"`
}

type submitRequest struct {
	SendEmail *bool `json:"sendEmail"`
}

// Create handles POST /api/v1/sessions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	sess, err := h.service.Create(r.Context())
	h.respond(w, http.StatusCreated, sess, err)
}

// Get handles GET /api/v1/sessions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	sess, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, sess, err)
}

// Cancel handles DELETE /api/v1/sessions/{id}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	sess, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, sess, err)
}

// Close handles POST /api/v1/sessions/{id}/close.
func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if err := h.service.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		common.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetCustomer handles PUT /api/v1/sessions/{id}/customer.
func (h *Handler) SetCustomer(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var body billing.Customer
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	sess, err := h.service.SetCustomer(r.Context(), chi.URLParam(r, "id"), body)
	h.respond(w, http.StatusOK, sess, err)
}

// SetPriceBook handles PUT /api/v1/sessions/{id}/price-book.
func (h *Handler) SetPriceBook(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var body priceBookRequest
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	sess, err := h.service.SetPriceBook(r.Context(), chi.URLParam(r, "id"), body.PriceBook)
	h.respond(w, http.StatusOK, sess, err)
}

// SetMode handles PUT /api/v1/sessions/{id}/mode.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var body modeRequest
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	sess, err := h.service.SetMode(r.Context(), chi.URLParam(r, "id"), body.BillingMode)
	h.respond(w, http.StatusOK, sess, err)
}

// AddProduct handles POST /api/v1/sessions/{id}/items.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var body addProductRequest
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	sess, err := h.service.AddProduct(r.Context(), chi.URLParam(r, "id"), body.ProductID)
	h.respond(w, http.StatusOK, sess, err)
}

// Scan handles POST /api/v1/sessions/{id}/scan.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var body scanRequest
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	sess, err := h.service.Scan(r.Context(), chi.URLParam(r, "id"), body.Code)
	h.respond(w, http.StatusOK, sess, err)
}

// EditQuantities handles PATCH /api/v1/sessions/{id}/items.
func (h *Handler) EditQuantities(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var body quantitiesRequest
	if err := common.DecodeJSON(r, &body); err != nil {
		common.WriteError(w, err)
		return
	}
	sess, err := h.service.EditQuantities(r.Context(), chi.URLParam(r, "id"), body.Quantities)
	h.respond(w, http.StatusOK, sess, err)
}

// Submit handles POST /api/v1/sessions/{id}/submit. Email defaults to on.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	body := submitRequest{}
	if r.ContentLength != 0 {
		if err := common.DecodeJSON(r, &body); err != nil {
			common.WriteError(w, err)
			return
		}
	}
	sendEmail := body.SendEmail == nil || *body.SendEmail
	res, sess, err := h.service.Submit(r.Context(), chi.URLParam(r, "id"), sendEmail)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"invoice": res, "session": sess}})
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "session service not configured", nil)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, status int, sess *billing.Session, err error) {
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, status, map[string]any{"data": sess})
}
