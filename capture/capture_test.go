package capture

import (
	"os"
	"path/filepath"
	"testing"

	phantomlink "github.com/yelabb/PhantomLink"
)

func samplePacket(seq uint64, numChannels int) phantomlink.StreamPacket {
	counts := make([]int, numChannels)
	ids := make([]int, numChannels)
	for c := range counts {
		counts[c] = c + 1
		ids[c] = c
	}
	return phantomlink.StreamPacket{
		Timestamp:      float64(seq) * 0.025,
		SequenceNumber: seq,
		Spikes:         phantomlink.SpikeData{ChannelIDs: ids, SpikeCounts: counts, BinSizeMs: 25},
		Kinematics:     phantomlink.Kinematics{X: 1, Y: 2, Vx: 0.1, Vy: 0.2},
	}
}

func TestWriterHeaderOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "capture.plk"), "swift-neural-3", 4)

	if w.HeaderWritten() {
		t.Fatal("expected HeaderWritten false before any write")
	}
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if !w.HeaderWritten() {
		t.Fatal("expected HeaderWritten true after a successful write")
	}
	if err := w.WriteHeader(); err == nil {
		t.Fatal("expected a second WriteHeader call to error")
	}
}

func TestWriteRecordRequiresHeader(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "capture.plk"), "code", 4)
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.WriteRecord(samplePacket(0, 4)); err == nil {
		t.Fatal("expected WriteRecord before WriteHeader to error")
	}
}

func TestWriteRecordChannelCountMismatch(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(filepath.Join(dir, "capture.plk"), "code", 4)
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.WriteRecord(samplePacket(0, 8)); err == nil {
		t.Fatal("expected a channel-count mismatch to error")
	}
}

func TestRecordsWrittenAccounting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.plk")
	w := NewWriter(path, "code", 4)
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	for i := uint64(0); i < 10; i++ {
		if err := w.WriteRecord(samplePacket(i, 4)); err != nil {
			t.Fatalf("WriteRecord %d: %v", i, err)
		}
	}
	if w.RecordsWritten() != 10 {
		t.Fatalf("expected 10 records written, got %d", w.RecordsWritten())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat capture file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected a non-empty capture file after writing records")
	}
}

func TestCreateFileTruncatesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.plk")
	if err := os.WriteFile(path, []byte("stale contents that should be discarded"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	w := NewWriter(path, "code", 2)
	if err := w.CreateFile(); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := w.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(data) > 32 {
		t.Fatalf("expected the stale contents to be truncated away, file is %d bytes", len(data))
	}
}
