package httpapi

import (
	"log/slog"
	"net/http"
)

func NewMux(listener ListenerState, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	registerHealthcheck(mux, listener, logger)
	return mux
}
