package catalog

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/pos-billing/internal/billing"
	"github.com/noah-isme/pos-billing/internal/common"
)

// Handler exposes product lookup endpoints.
type Handler struct {
	service          *Service
	defaultPriceBook billing.PriceBook
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service          *Service
	DefaultPriceBook billing.PriceBook
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	pb := cfg.DefaultPriceBook
	if pb == "" {
		pb = billing.PriceBookRetail
	}
	return &Handler{service: cfg.Service, defaultPriceBook: pb}
}

// Search handles GET /api/v1/products/search?q=&priceBook=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	pb, err := h.priceBook(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	items, err := h.service.Search(r.Context(), r.URL.Query().Get("q"), pb)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

// Get handles GET /api/v1/products/{id}?priceBook=.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	pb, err := h.priceBook(r)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	ref, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), pb)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": ref})
}

func (h *Handler) priceBook(r *http.Request) (billing.PriceBook, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("priceBook"))
	if raw == "" {
		return h.defaultPriceBook, nil
	}
	pb, err := billing.ParsePriceBook(raw)
	if err != nil {
		return "", common.BadRequest("priceBook must be Retail or Wholesale", err)
	}
	return pb, nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		common.WriteError(w, common.NotFound("product not found", err))
		return
	}
	common.WriteError(w, err)
}
