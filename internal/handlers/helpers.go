// Package handlers wires the four websocket paths and the JSON API endpoints
// to the cores. Dependencies are package-level and set from main during init.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/shan-hee/easyssh/internal/ai"
	"github.com/shan-hee/easyssh/internal/gateway"
	"github.com/shan-hee/easyssh/internal/metrics"
	"github.com/shan-hee/easyssh/internal/monitor"
	"github.com/shan-hee/easyssh/internal/registry"
)

// Set from main.go during init.
var (
	WSHub      *gateway.Hub
	Reg        *registry.Registry
	MonitorHub *monitor.Hub
	AIVault    *ai.Vault
	AIPipeline *ai.Pipeline
	Obs        *metrics.Observer
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// errorFrame is the envelope every path answers unknown or malformed frames
// with; the socket stays open.
func errorFrame(message string) gateway.Frame {
	return gateway.DataFrame("error", map[string]string{"message": message})
}
