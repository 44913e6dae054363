package status

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"build_monitor/pkg/monitor"
)

// Source is the monitor surface the status endpoint reports on.
type Source interface {
	State() string
	Stats() monitor.Stats
}

type Response struct {
	State string        `json:"state"`
	Stats monitor.Stats `json:"stats"`
}

type Handler struct {
	logger *zap.Logger
	source Source
}

func NewHandler(l *zap.Logger, s Source) *Handler {
	return &Handler{logger: l, source: s}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := Response{State: h.source.State(), Stats: h.source.Stats()}
		respData, err := json.Marshal(resp)
		if err != nil {
			errorMessage := "error generating response " + err.Error()
			h.logger.Error(errorMessage)
			http.Error(w, errorMessage, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write(respData); err != nil {
			h.logger.Error("unable to write status response", zap.Error(err))
		}
	})
}
