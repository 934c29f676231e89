// Package capture persists a session's emitted packets to a flat binary
// file on operator request, the supplemented feature of SPEC_FULL.md §6.2.
// It is adapted from the writer contract the teacher's off package
// exposes (CreateFile/WriteHeader/WriteRecord/Flush/Close,
// RecordsWritten/HeaderWritten, and the headerWritten/recordsWritten
// field pair its own test fixes), generalized from compressed pulse
// records to flat StreamPacket records.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/yelabb/PhantomLink"
)

const (
	magic         = uint32(0x504c4b31) // "PLK1"
	formatVersion = uint8(1)
)

// Writer writes a session's stream to path as a fixed binary format: a
// header naming the session and its channel count, followed by one
// fixed-size record per captured packet. A file is not created until
// CreateFile is called, mirroring the teacher's "don't create the file
// until asked" discipline.
type Writer struct {
	path        string
	sessionCode string
	numChannels int

	file *os.File
	w    *bufio.Writer

	headerWritten  bool
	recordsWritten int
}

// NewWriter builds a Writer for path, recording packets from a session
// with sessionCode and numChannels channels. No file is created yet.
func NewWriter(path, sessionCode string, numChannels int) *Writer {
	return &Writer{path: path, sessionCode: sessionCode, numChannels: numChannels}
}

// CreateFile opens path for writing, truncating any existing file.
func (w *Writer) CreateFile() error {
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("capture: create %s: %w", w.path, err)
	}
	w.file = f
	w.w = bufio.NewWriter(f)
	return nil
}

// WriteHeader writes the file header exactly once; a second call errors.
func (w *Writer) WriteHeader() error {
	if w.headerWritten {
		return fmt.Errorf("capture: header already written for %s", w.path)
	}
	if w.w == nil {
		return fmt.Errorf("capture: CreateFile not called")
	}
	codeBytes := []byte(w.sessionCode)
	if err := binary.Write(w.w, binary.LittleEndian, magic); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, formatVersion); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint16(len(codeBytes))); err != nil {
		return err
	}
	if _, err := w.w.Write(codeBytes); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, uint32(w.numChannels)); err != nil {
		return err
	}
	w.headerWritten = true
	return nil
}

// WriteRecord appends one packet. Errors if the packet's channel count
// does not match the writer's configured numChannels.
func (w *Writer) WriteRecord(p phantomlink.StreamPacket) error {
	if !w.headerWritten {
		return fmt.Errorf("capture: header not written")
	}
	if len(p.Spikes.SpikeCounts) != w.numChannels {
		return fmt.Errorf("capture: expected %d channels, got %d", w.numChannels, len(p.Spikes.SpikeCounts))
	}

	if err := binary.Write(w.w, binary.LittleEndian, p.SequenceNumber); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, p.Timestamp); err != nil {
		return err
	}
	counts := make([]int32, len(p.Spikes.SpikeCounts))
	for i, c := range p.Spikes.SpikeCounts {
		counts[i] = int32(c)
	}
	if err := binary.Write(w.w, binary.LittleEndian, counts); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, [4]float64{p.Kinematics.X, p.Kinematics.Y, p.Kinematics.Vx, p.Kinematics.Vy}); err != nil {
		return err
	}

	trialID := int32(-1)
	if p.TrialID != nil {
		trialID = int32(*p.TrialID)
	}
	if err := binary.Write(w.w, binary.LittleEndian, trialID); err != nil {
		return err
	}

	var active uint8
	var targetID int32 = -1
	var targetX, targetY, dist float64
	if p.Intention.Active {
		active = 1
		targetID = int32(p.Intention.TargetID)
		targetX, targetY, dist = p.Intention.TargetX, p.Intention.TargetY, p.Intention.DistanceToTarget
	}
	if err := binary.Write(w.w, binary.LittleEndian, active); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, [4]float64{float64(targetID), targetX, targetY, dist}); err != nil {
		return err
	}

	w.recordsWritten++
	return nil
}

// Flush pushes buffered bytes to the underlying file.
func (w *Writer) Flush() error {
	if w.w == nil {
		return nil
	}
	return w.w.Flush()
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	if w.w != nil {
		if err := w.w.Flush(); err != nil {
			return err
		}
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// RecordsWritten reports how many records have been written so far.
func (w *Writer) RecordsWritten() int { return w.recordsWritten }

// HeaderWritten reports whether WriteHeader has succeeded.
func (w *Writer) HeaderWritten() bool { return w.headerWritten }
