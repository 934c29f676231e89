package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/mux"

	phantomlink "github.com/yelabb/PhantomLink"
)

func sessionJSON(info phantomlink.SessionInfo) map[string]any {
	return map[string]any{
		"session_code":   info.Code,
		"created":        info.CreatedAt.Unix(),
		"last_active":    info.LastActiveAt.Unix(),
		"connections":    info.Connections,
		"is_running":     info.EngineStatus.State == phantomlink.StateRunning,
		"is_paused":      info.EngineStatus.State == phantomlink.StatePaused,
		"current_index":  info.EngineStatus.Cursor,
		"packets_sent":   info.EngineStatus.PacketsSent,
		"trial_filter":   info.TrialFilter,
		"target_filter":  info.TargetFilter,
	}
}

func (s *Server) streamURL(code string) string {
	return fmt.Sprintf("%s/stream/%s", s.publicURL, code)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	customCode := r.URL.Query().Get("custom_code")
	code, created := s.sm.Create(customCode)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_code": code,
		"stream_url":   s.streamURL(code),
		"created":      created,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sm.List()
	sessions := make([]map[string]any, len(infos))
	var totalConnections int32
	var running int
	for i, info := range infos {
		sessions[i] = sessionJSON(info)
		totalConnections += info.Connections
		if info.EngineStatus.State == phantomlink.StateRunning {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"stats": map[string]any{
			"total_sessions":     len(infos),
			"active_connections": totalConnections,
			"running_sessions":   running,
		},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	info, err := s.sm.Get(code)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(*info))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	err := s.sm.Delete(code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "code": code})
	case errors.Is(err, phantomlink.ErrSessionBusy):
		writeError(w, http.StatusNotFound, "session busy, has active connections")
	default:
		writeError(w, http.StatusNotFound, "session not found")
	}
}

func (s *Server) handleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	n := s.sm.CleanupExpired()
	writeJSON(w, http.StatusOK, map[string]any{"cleaned_up": n})
}

func (s *Server) engineFor(w http.ResponseWriter, code string) (*phantomlink.PlaybackEngine, bool) {
	engine, err := s.sm.Engine(code)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return engine, true
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	engine, ok := s.engineFor(w, code)
	if !ok {
		return
	}
	engine.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"status": "paused", "code": code})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	engine, ok := s.engineFor(w, code)
	if !ok {
		return
	}
	engine.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed", "code": code})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	engine, ok := s.engineFor(w, code)
	if !ok {
		return
	}
	engine.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "code": code})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	engine, ok := s.engineFor(w, code)
	if !ok {
		return
	}
	pos, err := strconv.ParseFloat(r.URL.Query().Get("position_seconds"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position_seconds")
		return
	}
	engine.Seek(pos)
	writeJSON(w, http.StatusOK, map[string]any{"status": "seeked", "position": pos, "code": code})
}

type captureRequest struct {
	Request string `json:"request"`
	Path    string `json:"path"`
}

// handleCapture implements the supplemented feature of SPEC_FULL.md §6.2,
// deliberately named like the teacher's WriteControl ("request" field,
// START/STOP vocabulary) but scoped to one session.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	if _, ok := s.engineFor(w, code); !ok {
		return
	}

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.logger.Printf("httpapi: GOT capture request for session %s: %v", code, spew.Sdump(req))

	switch req.Request {
	case "start":
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		if err := s.startCapture(code, req.Path); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "capturing", "code": code, "path": req.Path})
	case "stop":
		n := s.stopCapture(code)
		writeJSON(w, http.StatusOK, map[string]any{"status": "stopped", "code": code, "records_written": n})
	default:
		writeError(w, http.StatusBadRequest, "request must be \"start\" or \"stop\"")
	}
}
