package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"utc_daemon/internal/middleware"
)

// StatsFunc returns a JSON-encodable snapshot for /stats.
type StatsFunc func() any

// NewMux serves /metrics, /healthz and /stats behind request logging.
func NewMux(reg *prometheus.Registry, stats StatsFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var snapshot any = struct{}{}
		if stats != nil {
			snapshot = stats()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return middleware.Logging(mux)
}
