package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shan-hee/easyssh/internal/ai"
	"github.com/shan-hee/easyssh/internal/database"
	"github.com/shan-hee/easyssh/internal/middleware"
)

// TestAIConnection probes an upstream with the supplied credentials. Fields
// left out fall back to the caller's stored config; the key itself never
// appears in the response.
func TestAIConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		BaseURL string `json:"baseUrl"`
		APIKey  string `json:"apiKey"`
		Model   string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res := AIPipeline.TestConnection(r.Context(), user.ID, ai.ApiConfig{
		BaseURL: body.BaseURL,
		APIKey:  body.APIKey,
		Model:   body.Model,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": res.Success,
		"valid":   res.Valid,
		"message": res.Message,
		"data":    map[string]string{"model": res.Model},
	})
}

// GetAIConfig returns the caller's stored configuration. This is the one
// endpoint that returns the apiKey in the clear, to its owner only.
func GetAIConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	cfg, err := AIVault.Get(user.ID)
	if err != nil {
		if errors.Is(err, ai.ErrNotConfigured) {
			writeError(w, http.StatusNotFound, "No AI configuration")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load AI configuration")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SaveAIConfig stores the caller's configuration. persist=session keeps it in
// memory with a TTL; anything else encrypts and writes through to the
// settings store.
func SaveAIConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	var body struct {
		ai.ApiConfig
		Persist string `json:"persist"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.APIKey == "" || body.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "baseUrl and apiKey are required")
		return
	}

	durable := body.Persist != "session"
	if err := AIVault.Save(user.ID, body.ApiConfig, durable); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save AI configuration")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "saved",
		"config": body.ApiConfig.Masked(),
	})
}

// DeleteAIConfig removes the caller's configuration everywhere.
func DeleteAIConfig(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	if err := AIVault.Delete(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete AI configuration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetAIUsage reports the caller's usage over the retention window: totals
// plus per-day rows, most recent first.
func GetAIUsage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	since := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	days, err := database.GetUsageDays(user.ID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load usage")
		return
	}

	type dayOut struct {
		Day          string  `json:"day"`
		Requests     int64   `json:"requests"`
		InputTokens  int64   `json:"inputTokens"`
		OutputTokens int64   `json:"outputTokens"`
		Cost         float64 `json:"cost"`
	}
	out := make([]dayOut, len(days))
	var totalReq, totalIn, totalOut, totalCost int64
	for i, d := range days {
		out[i] = dayOut{
			Day:          d.Day,
			Requests:     d.Requests,
			InputTokens:  d.InputTokens,
			OutputTokens: d.OutputTokens,
			Cost:         float64(d.CostMicro) / 1e6,
		}
		totalReq += d.Requests
		totalIn += d.InputTokens
		totalOut += d.OutputTokens
		totalCost += d.CostMicro
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totals": map[string]interface{}{
			"requests":     totalReq,
			"inputTokens":  totalIn,
			"outputTokens": totalOut,
			"cost":         float64(totalCost) / 1e6,
		},
		"days": out,
	})
}
