package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/yoredale/mqtt-wunderground-publish/internal/config"
)

// NewServer builds the health server. net/http's own errors go to logger at
// warn level.
func NewServer(cfg config.Config, mux *http.ServeMux, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           withRequestLog(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
