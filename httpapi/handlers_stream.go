package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	phantomlink "github.com/yelabb/PhantomLink"
)

// socketWriteTimeout is the "sane default I/O timeout" spec.md §5 requires
// for the socket send; a wedged send becomes a connection failure.
const socketWriteTimeout = 5 * time.Second

type metadataEnvelope struct {
	Type    string           `json:"type" msgpack:"type"`
	Data    metadataResponse `json:"data" msgpack:"data"`
	Session sessionEnvelope  `json:"session" msgpack:"session"`
}

type sessionEnvelope struct {
	Code string `json:"code" msgpack:"code"`
	URL  string `json:"url" msgpack:"url"`
}

type dataEnvelope struct {
	Type string                   `json:"type" msgpack:"type"`
	Data phantomlink.StreamPacket `json:"data" msgpack:"data"`
}

func (s *Server) handleStreamText(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, false)
}

func (s *Server) handleStreamBinary(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, true)
}

func queryInt(r *http.Request, key string) *int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// stream implements the fan-out layer of spec.md §4.5 for one connection,
// shared by the text and binary endpoints since they differ only in wire
// encoding.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, binaryWire bool) {
	code := mux.Vars(r)["code"]

	// §6.2: "If the session is unknown the server creates it before
	// accepting the socket."
	if _, err := s.sm.Get(code); err != nil {
		code, _ = s.sm.Create(code)
	}

	trialFilter := queryInt(r, "trial_id")
	targetFilter := queryInt(r, "target_id")
	if trialFilter != nil || targetFilter != nil {
		if err := s.sm.SetFilter(code, trialFilter, targetFilter); err != nil {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}

	engine, err := s.sm.Engine(code)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: websocket upgrade failed for session %s: %v", code, err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	s.logger.Printf("httpapi: connection %s opened on session %s", connID, code)
	defer s.logger.Printf("httpapi: connection %s closed on session %s", connID, code)

	s.sm.IncrementConnections(code)
	defer s.sm.DecrementConnections(code)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go drainControlMessages(ctx, cancel, conn)

	meta := metadataEnvelope{
		Type:    "metadata",
		Data:    s.metadata(s.datasetName),
		Session: sessionEnvelope{Code: code, URL: s.streamURL(code)},
	}
	if err := s.sendFrame(conn, binaryWire, meta); err != nil {
		s.logger.Printf("httpapi: metadata send failed for session %s: %v", code, err)
		return
	}

	const loop = true // the canonical deployment always loops, per original_source's stream(loop=True)
	for {
		packet, err := engine.Next(ctx)
		if err != nil {
			if errors.Is(err, phantomlink.ErrEndOfStream) && loop {
				engine.Seek(0)
				continue
			}
			return
		}

		if err := s.sendFrame(conn, binaryWire, dataEnvelope{Type: "data", Data: packet}); err != nil {
			engine.RecordDropped()
			s.logger.Printf("httpapi: send failed for session %s: %v", code, err)
			return
		}

		latencyMs := float64(time.Now().UnixNano())/1e6 - packet.Timestamp*1000
		engine.RecordLatency(latencyMs)
		s.bus.Publish(code, packet)
		s.recordCapture(code, packet)
	}
}

func (s *Server) sendFrame(conn *websocket.Conn, binaryWire bool, v any) error {
	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if binaryWire {
		data, err := msgpackMarshal(v)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}
	data, err := jsonMarshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// drainControlMessages implements spec.md §4.5 step (e) on its own
// goroutine, so reading never blocks the tick: inbound text is reserved
// and ignored (spec.md §9's open-question resolution), and a close or
// error on the socket cancels ctx to stop the stream, so this also
// doubles as close detection. Each read blocks until a frame arrives;
// the stream's deferred conn.Close unblocks it when the stream ends.
func drainControlMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			cancel()
			return
		}
	}
}
