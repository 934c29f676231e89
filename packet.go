package phantomlink

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// SpikeData holds binned spike counts for every channel of a packet.
type SpikeData struct {
	ChannelIDs  []int   `json:"channel_ids" msgpack:"channel_ids"`
	SpikeCounts []int   `json:"spike_counts" msgpack:"spike_counts"`
	BinSizeMs   float64 `json:"bin_size_ms" msgpack:"bin_size_ms"`
}

// Kinematics is the cursor/hand ground truth sampled at packet time.
type Kinematics struct {
	Vx float64 `json:"vx" msgpack:"vx"`
	Vy float64 `json:"vy" msgpack:"vy"`
	X  float64 `json:"x" msgpack:"x"`
	Y  float64 `json:"y" msgpack:"y"`
}

// Intention is the active reach-target label for a packet, or the
// inactive variant outside of any trial. It is a tagged union rather
// than four independently-nullable fields (spec.md §9 REDESIGN FLAGS),
// but serializes to the same "intention": {...} shape the wire protocol
// expects, with every field null when inactive.
type Intention struct {
	Active           bool
	TargetID         int
	TargetX          float64
	TargetY          float64
	DistanceToTarget float64
}

type intentionWire struct {
	TargetID         *int     `json:"target_id" msgpack:"target_id"`
	TargetX          *float64 `json:"target_x" msgpack:"target_x"`
	TargetY          *float64 `json:"target_y" msgpack:"target_y"`
	DistanceToTarget *float64 `json:"distance_to_target" msgpack:"distance_to_target"`
}

func (in Intention) toWire() intentionWire {
	if !in.Active {
		return intentionWire{}
	}
	return intentionWire{
		TargetID:         &in.TargetID,
		TargetX:          &in.TargetX,
		TargetY:          &in.TargetY,
		DistanceToTarget: &in.DistanceToTarget,
	}
}

// MarshalJSON renders an inactive Intention as all-null fields.
func (in Intention) MarshalJSON() ([]byte, error) {
	return json.Marshal(in.toWire())
}

// UnmarshalJSON restores an Intention from the wire shape.
func (in *Intention) UnmarshalJSON(data []byte) error {
	var w intentionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*in = Intention{}
	if w.TargetID != nil {
		in.Active = true
		in.TargetID = *w.TargetID
	}
	if w.TargetX != nil {
		in.TargetX = *w.TargetX
	}
	if w.TargetY != nil {
		in.TargetY = *w.TargetY
	}
	if w.DistanceToTarget != nil {
		in.DistanceToTarget = *w.DistanceToTarget
	}
	return nil
}

// EncodeMsgpack implements msgpack.CustomEncoder so the binary wire
// encoding matches the JSON null-when-inactive shape.
func (in Intention) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(in.toWire())
}

// DecodeMsgpack implements msgpack.CustomDecoder, the mirror of EncodeMsgpack.
func (in *Intention) DecodeMsgpack(dec *msgpack.Decoder) error {
	var w intentionWire
	if err := dec.Decode(&w); err != nil {
		return err
	}
	*in = Intention{}
	if w.TargetID != nil {
		in.Active = true
		in.TargetID = *w.TargetID
	}
	if w.TargetX != nil {
		in.TargetX = *w.TargetX
	}
	if w.TargetY != nil {
		in.TargetY = *w.TargetY
	}
	if w.DistanceToTarget != nil {
		in.DistanceToTarget = *w.DistanceToTarget
	}
	return nil
}

// StreamPacket is the unit of wire output described in spec.md §3.
type StreamPacket struct {
	Timestamp      float64    `json:"timestamp" msgpack:"timestamp"`
	SequenceNumber uint64     `json:"sequence_number" msgpack:"sequence_number"`
	Spikes         SpikeData  `json:"spikes" msgpack:"spikes"`
	Kinematics     Kinematics `json:"kinematics" msgpack:"kinematics"`
	Intention      Intention  `json:"intention" msgpack:"intention"`
	TrialID        *int       `json:"trial_id" msgpack:"trial_id"`
	TrialTimeMs    *float64   `json:"trial_time_ms" msgpack:"trial_time_ms"`
}

// Clone returns a deep-enough copy of p for a transformer (e.g. the noise
// stage) to mutate without racing the engine's own copy.
func (p StreamPacket) Clone() StreamPacket {
	out := p
	out.Spikes.ChannelIDs = append([]int(nil), p.Spikes.ChannelIDs...)
	out.Spikes.SpikeCounts = append([]int(nil), p.Spikes.SpikeCounts...)
	return out
}
