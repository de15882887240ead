package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/yoredale/mqtt-wunderground-publish/internal/mqtt"
)

// ListenerState reports the broker listener's lifecycle state.
type ListenerState interface {
	State() mqtt.State
}

type healthchecker struct {
	listener ListenerState
	logger   *slog.Logger
}

// handleHealthz is ready only once the broker has acknowledged the
// subscription. A connection without a subscription receives nothing.
func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := h.listener.State()
	switch state {
	case mqtt.StateSubscribed, mqtt.StateHandling:
		writeJSON(w, http.StatusOK, healthStatus{Status: "ok", Broker: state.String()})
	default:
		h.logger.Debug("healthcheck failed", "broker", state.String())
		writeJSON(w, http.StatusServiceUnavailable, healthStatus{
			Status:  "unavailable",
			Broker:  state.String(),
			Message: "mqtt listener is " + state.String(),
		})
	}
}

func registerHealthcheck(mux *http.ServeMux, listener ListenerState, logger *slog.Logger) {
	h := &healthchecker{listener: listener, logger: logger}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
