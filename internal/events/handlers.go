package events

import (
	"math"
	"net/http"
	"strings"

	"github.com/noah-isme/mealpass/internal/common"
)

// Handler exposes the persisted event log, mainly for diagnosing duplicate scans.
type Handler struct {
	Reader EventReader
}

// List returns recent events, optionally filtered by ?topic=.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Reader == nil {
		common.JSONError(w, http.StatusInternalServerError, "EVENTS_NOT_CONFIGURED", "event store not configured", nil)
		return
	}
	query := r.URL.Query()
	topic := strings.TrimSpace(query.Get("topic"))
	if topic != "" && !KnownTopic(topic) {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "unknown topic", map[string]any{"topics": DefaultTopics()})
		return
	}
	limit := common.QueryInt(query, "limit", 50, 1, 200)
	offset := common.QueryInt(query, "offset", 0, 0, math.MaxInt32)
	rows, err := h.Reader.ListEvents(r.Context(), ListFilter{Topic: topic, Limit: limit, Offset: offset})
	if err != nil {
		common.JSONError(w, http.StatusServiceUnavailable, "EVENTS_QUERY_FAILED", "unable to fetch events", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}
