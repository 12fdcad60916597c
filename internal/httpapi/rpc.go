package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Method names accepted on /rpc.
const (
	MethodHealth = "mission.health"
	MethodStatus = "mission.status"
	MethodPause  = "mission.pause"
	MethodResume = "mission.resume"
)

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

// HealthResult is the mission.health answer.
type HealthResult struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
	At      time.Time         `json:"at"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPC(w, http.StatusBadRequest, rpcResponse{Error: &rpcError{Code: "bad_request", Message: err.Error()}})
		return
	}
	switch req.Method {
	case MethodHealth:
		res := s.health(r.Context())
		status := http.StatusOK
		if !res.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeRPC(w, status, rpcResponse{Result: res})
		return
	}

	if !s.open.Load() {
		writeRPC(w, http.StatusServiceUnavailable, rpcResponse{Error: &rpcError{Code: "starting", Message: "api not open yet"}})
		return
	}
	if s.cfg.Control == nil {
		writeRPC(w, http.StatusServiceUnavailable, rpcResponse{Error: &rpcError{Code: "unavailable", Message: "scheduler not configured"}})
		return
	}
	var params struct {
		By string `json:"by"`
	}
	_ = json.Unmarshal(req.Params, &params)
	if params.By == "" {
		params.By = "rpc"
	}

	switch req.Method {
	case MethodStatus:
		writeRPC(w, http.StatusOK, rpcResponse{Result: s.cfg.Control.Snapshot()})
	case MethodPause:
		s.cfg.Control.Pause(r.Context(), params.By)
		writeRPC(w, http.StatusOK, rpcResponse{Result: map[string]bool{"paused": true}})
	case MethodResume:
		s.cfg.Control.Resume(r.Context(), params.By)
		writeRPC(w, http.StatusOK, rpcResponse{Result: map[string]bool{"paused": false}})
	default:
		writeRPC(w, http.StatusNotFound, rpcResponse{Error: &rpcError{Code: "unknown_method", Message: "unknown method " + req.Method}})
	}
}

func (s *Server) health(ctx context.Context) HealthResult {
	res := HealthResult{Healthy: true, Checks: map[string]string{}, At: s.cfg.Now()}
	checks := map[string]error{}
	if s.cfg.Health != nil {
		checks = s.cfg.Health(ctx)
	}
	names := make([]string, 0, len(checks))
	for n := range checks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := checks[n]; err != nil {
			res.Healthy = false
			res.Checks[n] = err.Error()
			continue
		}
		res.Checks[n] = "ok"
	}
	return res
}

func writeRPC(w http.ResponseWriter, status int, body rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
