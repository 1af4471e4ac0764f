package customer

import (
	"net/http"

	"github.com/noah-isme/pos-billing/internal/common"
)

// Handler exposes customer lookup endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a Handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Search handles GET /api/v1/customers/search?name=.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "customer service not configured", nil)
		return
	}
	accounts, err := h.service.SearchByName(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": accounts})
}

// Lookup handles GET /api/v1/customers/lookup?email=&phone=. The response
// carries a null accountId when nothing matches.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "customer service not configured", nil)
		return
	}
	q := r.URL.Query()
	id, err := h.service.FindExisting(r.Context(), q.Get("email"), q.Get("phone"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]*string{"accountId": id}})
}
