package analytics

import (
	"net/http"
	"time"

	"github.com/noah-isme/mealpass/internal/common"
)

// Handler exposes analytics read endpoints.
type Handler struct {
	Svc *Service
}

// Stats returns issued and redeemed counts per meal type.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "ANALYTICS_NOT_CONFIGURED", "analytics service not configured", nil)
		return
	}
	summary, err := h.Svc.Summary(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "voucher statistics unavailable", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": summary})
}

// Redemptions returns daily redemption counts. Accepts from/to (RFC3339) or days.
func (h *Handler) Redemptions(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "ANALYTICS_NOT_CONFIGURED", "analytics service not configured", nil)
		return
	}
	query := r.URL.Query()
	fromStr := query.Get("from")
	toStr := query.Get("to")
	var (
		from time.Time
		to   time.Time
		err  error
	)
	if fromStr != "" && toStr != "" {
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid from date", nil)
			return
		}
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid to date", nil)
			return
		}
	} else {
		days := common.QueryInt(query, "days", 0, 0, 366)
		from, to = h.Svc.LastDays(days)
	}
	if !from.Before(to) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "from must be before to", nil)
		return
	}
	rows, err := h.Svc.Redemptions(r.Context(), from, to)
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "voucher statistics unavailable", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"data": rows,
		"from": from.UTC(),
		"to":   to.UTC(),
	})
}
