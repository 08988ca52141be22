package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/titancore/futurescore/internal/auth"
	"github.com/titancore/futurescore/internal/control"
	"github.com/titancore/futurescore/pkg/corerr"
	"github.com/titancore/futurescore/pkg/types"
)

// registerCommandRoutes exposes the Control Plane's command surface (spec
// §6) as REST endpoints. Every handler authenticates the same bearer token
// distribution.Server validates for WebSocket sessions, then delegates
// straight to plane — this layer only decodes requests and maps corerr
// Kinds to HTTP status codes.
func registerCommandRoutes(mux *http.ServeMux, plane *control.Plane, validator *auth.Validator) {
	h := &commandHandlers{plane: plane, validator: validator}

	mux.HandleFunc("POST /v1/bots", h.createBot)
	mux.HandleFunc("PATCH /v1/bots/{id}", h.updateBot)
	mux.HandleFunc("DELETE /v1/bots/{id}", h.deleteBot)
	mux.HandleFunc("POST /v1/bots/{id}/start", h.startBot)
	mux.HandleFunc("POST /v1/bots/{id}/stop", h.stopBot)
	mux.HandleFunc("POST /v1/bots/{id}/pause", h.pauseBot)
	mux.HandleFunc("POST /v1/bots/{id}/resume", h.resumeBot)

	mux.HandleFunc("POST /v1/orders", h.placeOrder)
	mux.HandleFunc("DELETE /v1/orders/{id}", h.cancelOrder)

	mux.HandleFunc("POST /v1/risk-limits", h.createRiskLimit)
	mux.HandleFunc("DELETE /v1/risk-limits/{id}", h.deleteRiskLimit)

	mux.HandleFunc("POST /v1/jobs", h.enqueueJob)
	mux.HandleFunc("DELETE /v1/jobs/{id}", h.cancelJob)
	mux.HandleFunc("GET /v1/jobs/{id}", h.jobStatus)

	mux.HandleFunc("POST /v1/backtests", h.runBacktest)
	mux.HandleFunc("DELETE /v1/backtests/{id}", h.cancelBacktest)

	mux.HandleFunc("POST /v1/emergency/stop", h.emergencyStop)
	mux.HandleFunc("POST /v1/emergency/clear", h.clearEmergencyStop)
}

type commandHandlers struct {
	plane     *control.Plane
	validator *auth.Validator
}

// authenticate extracts and validates the bearer token, writing a 401 and
// returning ok=false if it is missing or invalid.
func (h *commandHandlers) authenticate(w http.ResponseWriter, r *http.Request) (userID string, ok bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	userID, err := h.validator.AuthenticateToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

func writeError(w http.ResponseWriter, err error) {
	kind := corerr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(corerr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": string(kind)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *commandHandlers) createBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		StrategyID string         `json:"strategyId"`
		Config     map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, corerr.Wrap(corerr.ValidationError, "decode request", err))
		return
	}
	botID, err := h.plane.CreateBot(r.Context(), userID, req.StrategyID, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"botId": botID})
}

func (h *commandHandlers) updateBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Config map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, corerr.Wrap(corerr.ValidationError, "decode request", err))
		return
	}
	if err := h.plane.UpdateBot(r.Context(), userID, r.PathValue("id"), req.Config); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) deleteBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.DeleteBot(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) startBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.StartBot(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) stopBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.StopBot(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) pauseBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := h.plane.PauseBot(r.Context(), userID, r.PathValue("id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) resumeBot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.ResumeBot(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var order types.Order
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		writeError(w, corerr.Wrap(corerr.ValidationError, "decode request", err))
		return
	}
	orderID, err := h.plane.PlaceOrder(r.Context(), userID, order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"orderId": orderID})
}

func (h *commandHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.CancelOrder(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) createRiskLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		BotID string          `json:"botId"`
		Limit types.RiskLimit `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, corerr.Wrap(corerr.ValidationError, "decode request", err))
		return
	}
	limitID, err := h.plane.CreateRiskLimit(r.Context(), userID, req.BotID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"limitId": limitID})
}

func (h *commandHandlers) deleteRiskLimit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.DeleteRiskLimit(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) enqueueJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Name        string              `json:"name"`
		Args        map[string]any      `json:"args"`
		Priority    types.JobPriority   `json:"priority"`
		ScheduledAt *time.Time          `json:"scheduledAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, corerr.Wrap(corerr.ValidationError, "decode request", err))
		return
	}
	jobID, err := h.plane.EnqueueJob(r.Context(), userID, req.Name, req.Args, req.Priority, req.ScheduledAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"jobId": jobID})
}

func (h *commandHandlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.CancelJob(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	job, err := h.plane.JobStatus(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, job)
}

func (h *commandHandlers) runBacktest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var cfg types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, corerr.Wrap(corerr.ValidationError, "decode request", err))
		return
	}
	runID, err := h.plane.RunBacktest(r.Context(), userID, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"runId": runID})
}

func (h *commandHandlers) cancelBacktest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.CancelBacktest(r.Context(), userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *commandHandlers) emergencyStop(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	summary, err := h.plane.EmergencyStop(r.Context(), userID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int{
		"botsStopped":     summary.BotsStopped,
		"ordersCancelled": summary.OrdersCancelled,
		"positionsClosed": summary.PositionsClosed,
	})
}

func (h *commandHandlers) clearEmergencyStop(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if err := h.plane.ClearEmergencyStop(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
