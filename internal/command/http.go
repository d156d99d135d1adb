package command

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/cycle"
	"github.com/Rajchodisetti/cycle-coordinator/internal/mode"
	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
)

// Coordinator is the operator-facing surface of the cycle manager
type Coordinator interface {
	StartCycle(ctx context.Context, m model.Mode) (string, error)
	StopCycle(ctx context.Context, id string) error
	EmergencyStop(ctx context.Context, id, reason string) error
	EmergencyStopActive(ctx context.Context, reason string) error
	Status() cycle.Snapshot
	UpdateRiskParameters(ctx context.Context, p cycle.RiskParams) error
	SetMode(ctx context.Context, m model.Mode) error
}

// Handler translates HTTP requests into Coordinator calls
type Handler struct {
	c           Coordinator
	events      http.Handler // websocket hub; nil disables /events
	stopTimeout time.Duration
}

// NewHandler serves c; events, when set, is mounted at /events
func NewHandler(c Coordinator, events http.Handler) *Handler {
	return &Handler{c: c, events: events, stopTimeout: 30 * time.Second}
}

// Routes mounts every command on a new mux
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cycles", h.startCycle)
	mux.HandleFunc("POST /cycles/{id}/stop", h.stopCycle)
	mux.HandleFunc("POST /cycles/{id}/emergency-stop", h.emergencyStopCycle)
	mux.HandleFunc("POST /emergency-stop", h.emergencyStop)
	mux.HandleFunc("GET /status", h.status)
	mux.HandleFunc("PUT /risk-parameters", h.updateRisk)
	mux.HandleFunc("PUT /mode", h.setMode)
	mux.Handle("GET /metrics", observ.Handler())
	mux.Handle("GET /health", observ.Health())
	if h.events != nil {
		mux.Handle("GET /events", h.events)
	}
	return mux
}

type startRequest struct {
	Mode string `json:"mode"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) startCycle(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req, true) {
		return
	}
	var m model.Mode
	if strings.TrimSpace(req.Mode) != "" {
		parsed, err := mode.Parse(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		m = parsed
	}
	id, err := h.c.StartCycle(r.Context(), m)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"cycle_id": id})
}

func (h *Handler) stopCycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := context.WithTimeout(r.Context(), h.stopTimeout)
	defer cancel()
	if err := h.c.StopCycle(ctx, id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cycle_id": id, "status": "stopped"})
}

func (h *Handler) emergencyStopCycle(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req, true) {
		return
	}
	id := r.PathValue("id")
	if err := h.c.EmergencyStop(r.Context(), id, req.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"cycle_id": id, "status": "liquidating"})
}

func (h *Handler) emergencyStop(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req, true) {
		return
	}
	if err := h.c.EmergencyStopActive(r.Context(), req.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "liquidating"})
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.c.Status())
}

func (h *Handler) updateRisk(w http.ResponseWriter, r *http.Request) {
	var p cycle.RiskParams
	if !decode(w, r, &p, false) {
		return
	}
	if err := h.c.UpdateRiskParameters(r.Context(), p); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) setMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req, false) {
		return
	}
	m, err := mode.Parse(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.c.SetMode(r.Context(), m); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	p, _ := mode.Resolve(m)
	writeJSON(w, http.StatusOK, p)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, cycle.ErrCycleAlreadyActive):
		return http.StatusConflict
	case errors.Is(err, cycle.ErrCycleNotFound):
		return http.StatusNotFound
	case errors.Is(err, cycle.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body; an empty body is accepted when optional
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, errors.New("bad json: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Warn("command_response_write_failed", map[string]any{"error": err})
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		observ.Error("command_failed", map[string]any{"status": code, "error": err})
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
