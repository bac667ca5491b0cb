package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/astarte-agent/internal/apperr"
	"github.com/nugget/astarte-agent/internal/store"
)

// maxUsageHours bounds the usage report window to about a year.
const maxUsageHours = 24 * 366

// Usage aggregates recorded token usage.
type Usage interface {
	UsageTotal(ctx context.Context, start, end time.Time) (store.UsageSummary, error)
	UsageByModel(ctx context.Context, start, end time.Time) (map[string]store.UsageSummary, error)
	UsageByChat(ctx context.Context, start, end time.Time) (map[string]store.UsageSummary, error)
}

// UsageResponse is the body of GET /v1/usage.
type UsageResponse struct {
	Since   time.Time                     `json:"since"`
	Until   time.Time                     `json:"until"`
	Total   store.UsageSummary            `json:"total"`
	ByModel map[string]store.UsageSummary `json:"by_model"`
	ByChat  map[string]store.UsageSummary `json:"by_chat"`
}

// handleUsage reports token usage over the last ?hours= hours
// (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hours == 0 || hours > maxUsageHours {
		s.writeError(w, apperr.Invalid("hours", "must be between 1 and %d, got %d", maxUsageHours, hours))
		return
	}

	ctx := r.Context()
	until := time.Now().UTC()
	since := until.Add(-time.Duration(hours) * time.Hour)
	resp := UsageResponse{Since: since, Until: until}

	if resp.Total, err = s.usage.UsageTotal(ctx, since, until); err != nil {
		s.writeError(w, err)
		return
	}
	if resp.ByModel, err = s.usage.UsageByModel(ctx, since, until); err != nil {
		s.writeError(w, err)
		return
	}
	if resp.ByChat, err = s.usage.UsageByChat(ctx, since, until); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
