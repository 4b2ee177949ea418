package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/fetch-balancer/internal/backend"
)

// StatsSource exposes the balancer's live per-backend statistics.
type StatsSource interface {
	Stats() []backend.Stats
}

type statsResponse struct {
	Snapshot
	Trackers []backend.Stats `json:"trackers"`
}

// Handler serves the event snapshot together with the live tracker stats as
// JSON. source may be nil.
func (c *Collector) Handler(algorithm string, source StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := statsResponse{Snapshot: c.metrics.Snapshot(algorithm)}
		if source != nil {
			body.Trackers = source.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
