// Package httpapi implements the control surface and streaming fan-out
// of spec.md §6.1/§6.2 over github.com/gorilla/mux and
// github.com/gorilla/websocket, the bidirectional-streaming transport
// the retrieval pack's domain-weight-class examples use.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	phantomlink "github.com/yelabb/PhantomLink"
	"github.com/yelabb/PhantomLink/capture"
	"github.com/yelabb/PhantomLink/sidebus"
)

const serviceVersion = "1.0.0"

// Server holds the process-lifetime state threaded through every request,
// replacing the source's global mutable singletons per spec.md §9: one
// struct constructed at startup, passed to every handler as a receiver
// rather than reached for through package-level state.
type Server struct {
	sm        *phantomlink.SessionManager
	dataset   phantomlink.Dataset
	bus       sidebus.Publisher
	upgrader  websocket.Upgrader
	logger    *log.Logger
	startTime   time.Time
	publicURL   string // scheme://host:port used to build stream_url values
	datasetName string

	capturesMu sync.Mutex
	captures   map[string]*capture.Writer
}

// NewServer builds a Server. publicURL is used verbatim as the prefix for
// stream_url values returned by session creation (e.g. "ws://0.0.0.0:8000").
func NewServer(sm *phantomlink.SessionManager, dataset phantomlink.Dataset, bus sidebus.Publisher, publicURL, datasetName string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if bus == nil {
		bus = sidebus.Noop{}
	}
	return &Server{
		sm:          sm,
		dataset:     dataset,
		bus:         bus,
		logger:      logger,
		startTime:   time.Now(),
		publicURL:   publicURL,
		datasetName: datasetName,
		captures:    make(map[string]*capture.Writer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the mux.Router with every path/verb of spec.md §6.1/§6.2.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	r.HandleFunc("/api/metadata", s.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/api/trials", s.handleTrials).Methods(http.MethodGet)
	r.HandleFunc("/api/trials/by-target/{k}", s.handleTrialsByTarget).Methods(http.MethodGet)
	r.HandleFunc("/api/trials/{id}", s.handleTrialByID).Methods(http.MethodGet)

	r.HandleFunc("/api/sessions/create", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions/cleanup", s.handleCleanupSessions).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{code}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{code}", s.handleDeleteSession).Methods(http.MethodDelete)

	r.HandleFunc("/api/control/{code}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/api/control/{code}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/api/control/{code}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/control/{code}/seek", s.handleSeek).Methods(http.MethodPost)
	r.HandleFunc("/api/control/{code}/capture", s.handleCapture).Methods(http.MethodPost)

	r.HandleFunc("/stream/binary/{code}", s.handleStreamBinary).Methods(http.MethodGet)
	r.HandleFunc("/stream/{code}", s.handleStreamText).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	infos := s.sm.List()
	var activeConnections int32
	for _, info := range infos {
		activeConnections += info.Connections
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_connections": activeConnections,
		"active_sessions":    len(infos),
	})
}

type metadataResponse struct {
	Dataset         string  `json:"dataset" msgpack:"dataset"`
	TotalPackets    int64   `json:"total_packets" msgpack:"total_packets"`
	FrequencyHz     int     `json:"frequency_hz" msgpack:"frequency_hz"`
	NumChannels     int     `json:"num_channels" msgpack:"num_channels"`
	DurationSeconds float64 `json:"duration_seconds" msgpack:"duration_seconds"`
	NumTrials       int     `json:"num_trials" msgpack:"num_trials"`
}

func (s *Server) metadata(datasetName string) metadataResponse {
	n := int64(s.dataset.DurationSeconds() * 40)
	return metadataResponse{
		Dataset:         datasetName,
		TotalPackets:    n,
		FrequencyHz:     40,
		NumChannels:     s.dataset.NumChannels(),
		DurationSeconds: s.dataset.DurationSeconds(),
		NumTrials:       len(s.dataset.TrialList()),
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metadata(s.datasetName))
}

func trialJSON(t phantomlink.Trial) map[string]any {
	tx, ty := t.TargetPosition()
	return map[string]any{
		"trial_id":         t.TrialID,
		"t_start":          t.StartTime,
		"t_stop":           t.StopTime,
		"success":          t.Success,
		"num_targets":      t.NumTargets,
		"active_target":    t.ActiveTarget,
		"target_positions": t.TargetPositions,
		"target_x":         tx,
		"target_y":         ty,
	}
}

func (s *Server) handleTrials(w http.ResponseWriter, r *http.Request) {
	trials := s.dataset.TrialList()
	out := make([]map[string]any, len(trials))
	for i, t := range trials {
		out[i] = trialJSON(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"trials": out, "count": len(out)})
}

func (s *Server) handleTrialByID(w http.ResponseWriter, r *http.Request) {
	id, err := intParam(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trial id")
		return
	}
	for _, t := range s.dataset.TrialList() {
		if t.TrialID == id {
			writeJSON(w, http.StatusOK, trialJSON(t))
			return
		}
	}
	writeError(w, http.StatusNotFound, "trial not found")
}

func (s *Server) handleTrialsByTarget(w http.ResponseWriter, r *http.Request) {
	k, err := intParam(mux.Vars(r)["k"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid target index")
		return
	}
	trials := s.dataset.TrialsForTarget(k)
	out := make([]map[string]any, len(trials))
	for i, t := range trials {
		out[i] = trialJSON(t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"trials": out, "count": len(out), "target_index": k})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	infos := s.sm.List()
	var totalConnections int32
	sessions := make(map[string]any, len(infos))
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	for _, info := range infos {
		totalConnections += info.Connections
		sessions[info.Code] = map[string]any{
			"packets_sent":      info.EngineStatus.PacketsSent,
			"dropped_packets":   info.EngineStatus.DroppedPackets,
			"network_latency_ms": ringStatsJSON(info.EngineStatus.NetworkLatency),
			"timing_error_ms":    ringStatsJSON(info.EngineStatus.TimingErrorMs),
			"memory_usage_mb":    float64(mem.Alloc) / 1e6,
			"is_running":         info.EngineStatus.State == phantomlink.StateRunning,
			"is_paused":          info.EngineStatus.State == phantomlink.StatePaused,
			"connections":        info.Connections,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().Unix(),
		"service":   "phantomlink",
		"version":   serviceVersion,
		"metrics": map[string]any{
			"total_sessions":    s.sm.Count(),
			"active_sessions":   len(infos),
			"total_connections": totalConnections,
			"sessions":          sessions,
		},
	})
}

func ringStatsJSON(rs phantomlink.RingStats) map[string]float64 {
	return map[string]float64{"mean": rs.Mean, "std": rs.Std, "max": rs.Max}
}

func intParam(s string) (int, error) {
	return strconv.Atoi(s)
}
