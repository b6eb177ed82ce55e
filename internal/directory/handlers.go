package directory

import (
	"net/http"
	"strconv"

	"github.com/noah-isme/mealpass/internal/common"
	"github.com/noah-isme/mealpass/internal/voucher"
)

// Handler exposes the read-only guest listing.
type Handler struct {
	Directory voucher.Directory
}

// List handles GET /guests?active=true&page=1&limit=50.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Directory == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "directory not configured", nil)
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	guests, err := h.Directory.Guests(r.Context(), activeOnly)
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "DIRECTORY_UNAVAILABLE", "guest directory unavailable", nil)
		return
	}
	page, perPage := common.ParsePagination(r, 50, 200)
	start, end := common.PageBounds(page, perPage, len(guests))
	common.JSON(w, http.StatusOK, map[string]any{
		"data": guests[start:end],
		"pagination": common.Pagination{
			Page:       page,
			PerPage:    perPage,
			TotalItems: len(guests),
		},
	})
}
