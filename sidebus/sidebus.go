// Package sidebus implements the optional research-bus side channel of
// spec.md §6.4: an injectable sink the core feeds (session_code, packet)
// pairs through, fire-and-forget. The core must tolerate the bus's
// absence, its construction failure, and per-call failures without
// disturbing the primary stream.
package sidebus

import "github.com/yelabb/PhantomLink"

// Publisher is the contract the streaming fan-out layer feeds packets
// through. Publish must never block the caller for long: a slow or
// unready bus should drop the copy rather than stall the primary stream.
type Publisher interface {
	// Publish hands off packet for session code. Implementations must be
	// safe for concurrent use by many streaming connections at once.
	Publish(code string, packet phantomlink.StreamPacket)

	// Close releases the publisher's resources. Safe to call once.
	Close() error
}

// Noop discards every packet. It is the Publisher used when
// LSL_ENABLED=false or when CZMQPublisher construction fails, satisfying
// spec.md §6.4's "must tolerate its absence" requirement without the
// fan-out layer needing a nil check on every tick.
type Noop struct{}

func (Noop) Publish(string, phantomlink.StreamPacket) {}
func (Noop) Close() error                             { return nil }
