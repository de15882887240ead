package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// healthStatus is the /healthz body.
type healthStatus struct {
	Status  string `json:"status"`
	Broker  string `json:"broker"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON", "status", status, "error", err)
	}
}
