package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mattjoyce/journeyman/internal/dispatch"
	"github.com/mattjoyce/journeyman/internal/envelope"
	"github.com/mattjoyce/journeyman/internal/pool"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pool.Snapshot()

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	for _, info := range snapshot {
		switch info.State {
		case pool.StateIdle:
			resp.DaemonsIdle++
			resp.DaemonsLive++
		case pool.StateBusy:
			resp.DaemonsBusy++
			resp.DaemonsLive++
		case pool.StateStarting:
			resp.DaemonsLive++
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleListDaemons handles GET /daemons.
func (s *Server) handleListDaemons(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pool.Snapshot()

	resp := DaemonListResponse{Daemons: make([]DaemonView, 0, len(snapshot))}
	for _, info := range snapshot {
		resp.Daemons = append(resp.Daemons, DaemonView{
			DaemonID:   info.ID,
			PID:        info.PID,
			State:      string(info.State),
			Key:        info.Key,
			ModulePath: info.Fingerprint.ModulePath,
			LogLevel:   info.LogLevel,
			Surviving:  info.Surviving,
			StartedAt:  info.StartedAt,
			LastUsed:   info.LastUsed,
		})
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleStopDaemons handles POST /daemons/stop.
func (s *Server) handleStopDaemons(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	var force bool
	switch req.Urgency {
	case "", "normal", "graceful":
	case "forced":
		force = true
	default:
		s.writeError(w, http.StatusBadRequest, "urgency must be normal or forced")
		return
	}

	filter := pool.StopFilter{
		DaemonID: req.Filter.DaemonID,
		Key:      req.Filter.Key,
	}
	if err := s.pool.StopAll(r.Context(), filter, force); err != nil {
		s.logger.Error("daemon stop via API failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "stop failed: "+err.Error())
		return
	}

	s.logger.Info("daemons stopped via API",
		"daemon_id", req.Filter.DaemonID,
		"key", req.Filter.Key,
		"forced", force,
	)
	respondJSON(w, http.StatusOK, StopResponse{Status: "ok"})
}

// handleWork handles POST /work. The request runs synchronously; the
// response carries the action's result or its classified failure.
func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	var req WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Action == "" {
		s.writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	isolation := envelope.Isolation(req.Isolation)
	if isolation == "" {
		isolation = envelope.IsolationInline
	}
	if !isolation.Valid() {
		s.writeError(w, http.StatusBadRequest, "isolation must be inline, module or process")
		return
	}

	sub := dispatch.Submission{
		ActionType:  req.Action,
		Params:      req.Params,
		Isolation:   isolation,
		Fingerprint: workerFingerprint(req.Worker, ""),
	}

	start := time.Now()
	result, err := s.dispatcher.Submit(r.Context(), sub)
	if err != nil {
		kind := dispatch.FailureKind(err)
		status := http.StatusInternalServerError
		if kind == dispatch.KindParameters {
			status = http.StatusBadRequest
		}
		s.logger.Warn("work failed via API", "action", req.Action, "kind", kind, "error", err)
		respondJSON(w, status, WorkErrorResponse{
			Status: "failed",
			Kind:   kind,
			Error:  err.Error(),
		})
		return
	}

	resp := WorkResponse{
		Status:     "ok",
		Void:       result.Void,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if !result.Void {
		encoded, err := json.Marshal(result.Value)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "result not representable as JSON")
			return
		}
		resp.Result = encoded
	}

	respondJSON(w, http.StatusOK, resp)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
