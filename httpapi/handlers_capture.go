package httpapi

import (
	"fmt"

	phantomlink "github.com/yelabb/PhantomLink"
	"github.com/yelabb/PhantomLink/capture"
)

func (s *Server) startCapture(code, path string) error {
	w := capture.NewWriter(path, code, s.dataset.NumChannels())
	if err := w.CreateFile(); err != nil {
		return err
	}
	if err := w.WriteHeader(); err != nil {
		return err
	}

	s.capturesMu.Lock()
	if _, exists := s.captures[code]; exists {
		s.capturesMu.Unlock()
		w.Close()
		return fmt.Errorf("httpapi: capture already running for session %s", code)
	}
	s.captures[code] = w
	s.capturesMu.Unlock()
	return nil
}

func (s *Server) stopCapture(code string) int {
	s.capturesMu.Lock()
	w, ok := s.captures[code]
	delete(s.captures, code)
	s.capturesMu.Unlock()
	if !ok {
		return 0
	}
	n := w.RecordsWritten()
	if err := w.Close(); err != nil {
		s.logger.Printf("httpapi: closing capture for session %s: %v", code, err)
	}
	return n
}

// recordCapture writes packet to code's active capture, if any. Capture
// failures are logged and silently drop further writes for that session
// rather than disturbing the primary stream, the same fire-and-forget
// discipline the side bus uses.
func (s *Server) recordCapture(code string, packet phantomlink.StreamPacket) {
	s.capturesMu.Lock()
	w, ok := s.captures[code]
	s.capturesMu.Unlock()
	if !ok {
		return
	}
	if err := w.WriteRecord(packet); err != nil {
		s.logger.Printf("httpapi: capture write failed for session %s, stopping capture: %v", code, err)
		s.stopCapture(code)
	}
}
