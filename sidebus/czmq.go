package sidebus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"

	czmq "github.com/zeromq/goczmq"

	"github.com/yelabb/PhantomLink"
)

// Config configures a CZMQPublisher. StreamName/StreamType/SourceID
// describe the research-bus stream the way an LSL outlet would be
// described (spec.md §6.5's LSL_* keys), even though the wire transport
// here is a ZeroMQ PUB socket rather than LSL itself.
type Config struct {
	Hostname   string // e.g. "tcp://*:5556"
	StreamName string
	StreamType string
	SourceID   string
}

// CZMQPublisher publishes every packet on a ZeroMQ PUB socket, grounded
// on the teacher's DataPublisher.PubRecords/PublishData: one Channeler
// bound at construction, fed with a non-blocking channel send so a slow
// or absent subscriber never stalls the primary stream.
type CZMQPublisher struct {
	channeler  *czmq.Channeler
	streamName string
	logger     *log.Logger
}

// NewCZMQPublisher binds a PUB socket at cfg.Hostname. Construction
// failure is reported as an error so callers can fall back to Noop
// rather than failing process startup.
func NewCZMQPublisher(cfg Config, logger *log.Logger) (*CZMQPublisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Hostname == "" {
		return nil, fmt.Errorf("sidebus: empty hostname")
	}
	ch := czmq.NewPubChanneler(cfg.Hostname)
	if ch == nil {
		return nil, fmt.Errorf("sidebus: failed to bind PUB socket at %s", cfg.Hostname)
	}
	return &CZMQPublisher{channeler: ch, streamName: cfg.StreamName, logger: logger}, nil
}

// Publish hands packet off to the PUB socket's send channel without
// blocking; a full channel (subscriber not keeping up, or none attached)
// drops the copy, per spec.md §4.5 step (d).
func (p *CZMQPublisher) Publish(code string, packet phantomlink.StreamPacket) {
	frames := encodePacket(code, p.streamName, packet)
	select {
	case p.channeler.SendChan <- frames:
	default:
		p.logger.Printf("sidebus: dropping packet for session %s, publisher not keeping up", code)
	}
}

// Close tears down the underlying socket. Safe to call once.
func (p *CZMQPublisher) Close() error {
	p.channeler.Destroy()
	return nil
}

// encodePacket mirrors the teacher's messageRecords: a fixed binary
// header frame followed by a payload frame, rather than reusing the wire
// JSON/MessagePack shape, since the research bus is a distinct
// lower-level protocol the teacher's own side channel always used.
//
// Header: 1B version, 2B session-code length, code bytes, 8B sequence
// number, 8B timestamp (float64), 4B channel count.
// Payload: int32 spike counts per channel, then x, y, vx, vy (float64).
func encodePacket(code, streamName string, packet phantomlink.StreamPacket) [][]byte {
	const headerVersion = uint8(0)
	_ = streamName // carried in Config for outlet identification, not per-frame

	header := new(bytes.Buffer)
	codeBytes := []byte(code)
	binary.Write(header, binary.LittleEndian, headerVersion)
	binary.Write(header, binary.LittleEndian, uint16(len(codeBytes)))
	header.Write(codeBytes)
	binary.Write(header, binary.LittleEndian, packet.SequenceNumber)
	binary.Write(header, binary.LittleEndian, packet.Timestamp)
	binary.Write(header, binary.LittleEndian, uint32(len(packet.Spikes.SpikeCounts)))

	counts := make([]int32, len(packet.Spikes.SpikeCounts))
	for i, c := range packet.Spikes.SpikeCounts {
		counts[i] = int32(c)
	}
	payload := new(bytes.Buffer)
	binary.Write(payload, binary.LittleEndian, counts)
	binary.Write(payload, binary.LittleEndian, packet.Kinematics.X)
	binary.Write(payload, binary.LittleEndian, packet.Kinematics.Y)
	binary.Write(payload, binary.LittleEndian, packet.Kinematics.Vx)
	binary.Write(payload, binary.LittleEndian, packet.Kinematics.Vy)

	return [][]byte{header.Bytes(), payload.Bytes()}
}
