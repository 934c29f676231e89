package phantomlink

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tickHz       = 40
	tickInterval = time.Second / tickHz
	binMs        = 25.0
	statRingCap  = 1000
)

// EngineState is the playback engine's state machine position, per
// spec.md §4.3: Fresh -> Running <-> Paused -> Stopped.
type EngineState int32

const (
	StateFresh EngineState = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s EngineState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// statRing is a bounded ring of float64 samples retaining only the most
// recent statRingCap values, used for the timing-error and network-latency
// statistics spec.md §7's metrics snapshot requires.
type statRing struct {
	mu     sync.Mutex
	values []float64
	next   int
	filled bool
}

func newStatRing() *statRing {
	return &statRing{values: make([]float64, statRingCap)}
}

func (r *statRing) add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[r.next] = v
	r.next = (r.next + 1) % statRingCap
	if r.next == 0 {
		r.filled = true
	}
}

// RingStats is the {mean, std, max} triple spec.md §7 reports per ring.
type RingStats struct {
	Mean float64
	Std  float64
	Max  float64
}

func (r *statRing) snapshot() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.filled {
		n = statRingCap
	}
	if n == 0 {
		return RingStats{}
	}
	var sum, max float64
	for i := 0; i < n; i++ {
		v := r.values[i]
		sum += v
		if v > max {
			max = v
		}
	}
	mean := sum / float64(n)
	var variance float64
	for i := 0; i < n; i++ {
		d := r.values[i] - mean
		variance += d * d
	}
	variance /= float64(n)
	return RingStats{Mean: mean, Std: math.Sqrt(variance), Max: max}
}

// EngineStatus is a point-in-time snapshot of a PlaybackEngine, the shape
// the metrics endpoint and /api/sessions want. Counters are read from
// atomics; the two ring summaries are taken under each ring's mutex.
type EngineStatus struct {
	State           EngineState
	Cursor          int64
	SequenceNumber  uint64
	DroppedPackets  uint64
	PacketsSent     uint64
	TimingErrorMs   RingStats
	NetworkLatency  RingStats
}

type seekRequest struct {
	positionSeconds float64
}

// PlaybackEngine owns one session's cursor, sequence counter, and
// control flags, emitting one packet per 25ms tick as described in
// spec.md §4.3. External control calls (Pause/Resume/Stop/Seek) only set
// flags or post a request; the producer (whatever goroutine calls Next)
// observes them at the top of its loop, the same discipline the teacher's
// AnySource/SourceControl split enforces between a control surface and a
// running DataSource. The hot path is not lock-free: each tick takes the
// short seek, filter, start-time and stat-ring mutexes.
type PlaybackEngine struct {
	dataset Dataset
	noise   *NoiseStage
	n       int64 // N = floor(D*40)

	state atomic.Int32

	cursor atomic.Int64
	seq    atomic.Uint64

	pauseRequested atomic.Bool
	stopRequested  atomic.Bool

	seekMu  sync.Mutex
	seekReq *seekRequest

	filterMu     sync.Mutex
	trialFilter  *int
	targetFilter *int

	startMu sync.Mutex
	tStart  time.Time

	dropped     atomic.Uint64
	packetsSent atomic.Uint64
	timingError *statRing
	latency     *statRing

	logger *log.Logger
}

// NewPlaybackEngine builds an engine over dataset, optionally perturbing
// spike counts with noise (nil disables the noise stage entirely).
func NewPlaybackEngine(dataset Dataset, noise *NoiseStage, logger *log.Logger) *PlaybackEngine {
	if logger == nil {
		logger = log.Default()
	}
	n := int64(math.Floor(dataset.DurationSeconds() * tickHz))
	if n < 1 {
		n = 1
	}
	e := &PlaybackEngine{
		dataset:     dataset,
		noise:       noise,
		n:           n,
		timingError: newStatRing(),
		latency:     newStatRing(),
		logger:      logger,
	}
	e.state.Store(int32(StateFresh))
	return e
}

// SetFilter installs the session's trial/target filter predicates. Either
// may be nil. Safe to call concurrently with Next.
func (e *PlaybackEngine) SetFilter(trialID, targetID *int) {
	e.filterMu.Lock()
	defer e.filterMu.Unlock()
	e.trialFilter = trialID
	e.targetFilter = targetID
}

func (e *PlaybackEngine) currentFilter() (*int, *int) {
	e.filterMu.Lock()
	defer e.filterMu.Unlock()
	return e.trialFilter, e.targetFilter
}

// Pause idempotently requests the tick loop idle. A no-op if already
// paused or stopped.
func (e *PlaybackEngine) Pause() {
	e.pauseRequested.Store(true)
}

// Resume idempotently clears a pause request. A no-op if already running.
func (e *PlaybackEngine) Resume() {
	e.pauseRequested.Store(false)
}

// Stop requests the tick loop terminate at its next check. Terminal: an
// engine never leaves StateStopped once observed.
func (e *PlaybackEngine) Stop() {
	e.stopRequested.Store(true)
}

// Seek posts a cursor-repositioning request the producer applies at the
// top of its next loop iteration, per spec.md §5's "well-defined points"
// discipline.
func (e *PlaybackEngine) Seek(positionSeconds float64) {
	e.seekMu.Lock()
	defer e.seekMu.Unlock()
	e.seekReq = &seekRequest{positionSeconds: positionSeconds}
}

// RecordLatency pushes a network-latency sample (now_wall - packet.timestamp
// in milliseconds) into the engine's ring, per spec.md §4.5 step (c). Called
// by the fan-out layer, not by Next itself.
func (e *PlaybackEngine) RecordLatency(ms float64) {
	e.latency.add(ms)
}

// RecordDropped increments the dropped_packets counter reported in
// /metrics. Next's own dataset-read-error path calls this internally;
// the fan-out layer calls it too when a send to the client fails, so
// dropped_packets covers both DatasetReadError and SendError per
// spec.md §7.
func (e *PlaybackEngine) RecordDropped() {
	e.dropped.Add(1)
}

// Status returns a snapshot safe to read from any goroutine.
func (e *PlaybackEngine) Status() EngineStatus {
	return EngineStatus{
		State:          EngineState(e.state.Load()),
		Cursor:         e.cursor.Load(),
		SequenceNumber: e.seq.Load(),
		DroppedPackets: e.dropped.Load(),
		PacketsSent:    e.packetsSent.Load(),
		TimingErrorMs:  e.timingError.snapshot(),
		NetworkLatency: e.latency.snapshot(),
	}
}

func (e *PlaybackEngine) expectedTime(s uint64) time.Time {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	return e.tStart.Add(time.Duration(s) * tickInterval)
}

// rebase sets tStart so that T_exp(s) equals now for the sequence number s
// about to be emitted, used by both Seek and resume-from-pause: the spec
// only requires monotonicity and contiguity of sequence_number across
// pauses and seeks, not a specific cadence tying back to the original
// T_start.
func (e *PlaybackEngine) rebase(now time.Time, s uint64) {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	e.tStart = now.Add(-time.Duration(s) * tickInterval)
}

func (e *PlaybackEngine) applySeek() bool {
	e.seekMu.Lock()
	req := e.seekReq
	e.seekReq = nil
	e.seekMu.Unlock()
	if req == nil {
		return false
	}
	target := int64(math.Floor(req.positionSeconds * tickHz))
	if target < 0 {
		target = 0
	}
	if target > e.n-1 {
		target = e.n - 1
	}
	e.cursor.Store(target)
	e.rebase(time.Now(), e.seq.Load())
	return true
}

// Next blocks until the next packet is due, assembles it, and returns it.
// It returns ErrEndOfStream at the cursor boundary (the caller decides
// whether to loop by calling Seek(0) and calling Next again) and
// ErrEngineStopped once Stop has been observed. ctx cancellation unblocks
// a paused or waiting engine immediately.
func (e *PlaybackEngine) Next(ctx context.Context) (StreamPacket, error) {
	waitedSeq := ^uint64(0)
	noMatchStreak := int64(0)
	for {
		select {
		case <-ctx.Done():
			return StreamPacket{}, ctx.Err()
		default:
		}

		if e.stopRequested.Load() {
			e.state.Store(int32(StateStopped))
			return StreamPacket{}, ErrEngineStopped
		}

		if e.pauseRequested.Load() {
			e.state.Store(int32(StatePaused))
			select {
			case <-ctx.Done():
				return StreamPacket{}, ctx.Err()
			case <-time.After(time.Millisecond):
			}
			continue
		}

		// The stored state, not a per-call flag, marks a resume, so a pause
		// that outlived an earlier Next call (ctx cancelled while paused)
		// is rebased too.
		resumed := e.state.Load() == int32(StatePaused)
		seeked := e.applySeek()
		if resumed && !seeked {
			e.rebase(time.Now(), e.seq.Load())
		}
		if seeked {
			// seq is untouched by a seek, so without this the next tick
			// would reuse whatever timing sample was last taken under the
			// old waitedSeq and never record one for the post-seek tick.
			waitedSeq = ^uint64(0)
		}
		if e.state.Load() == int32(StateFresh) {
			e.startMu.Lock()
			if e.tStart.IsZero() {
				e.tStart = time.Now()
			}
			e.startMu.Unlock()
		}
		e.state.Store(int32(StateRunning))

		s := e.seq.Load()
		now := time.Now()
		if s != waitedSeq {
			texp := e.expectedTime(s)
			if d := texp.Sub(now); d > 0 {
				select {
				case <-time.After(d):
					now = time.Now()
				case <-ctx.Done():
					return StreamPacket{}, ctx.Err()
				}
			} else if now.Sub(texp) > tickInterval/2 {
				e.logger.Printf("phantomlink: tick slip of %s at sequence %d", now.Sub(texp), s)
			}
			e.timingError.add(float64(now.Sub(texp).Microseconds()) / 1000.0)
			waitedSeq = s
		}

		i := e.cursor.Load()
		if i >= e.n {
			return StreamPacket{}, ErrEndOfStream
		}

		packet, matched, err := e.synthesize(i, s, now)
		if err != nil {
			e.RecordDropped()
			e.logger.Printf("phantomlink: dataset read error at bin %d: %v", i, err)
			e.cursor.Add(1)
			noMatchStreak++
		} else if !matched {
			e.cursor.Add(1)
			noMatchStreak++
		} else {
			if e.noise != nil {
				packet = e.noise.Apply(packet, float64(i)*0.025)
			}
			e.cursor.Add(1)
			e.seq.Add(1)
			e.packetsSent.Add(1)
			return packet, nil
		}

		// A filter that matches nothing drives the cursor to e.n without
		// ever taking the timing wait above (seq never advances while
		// skipping), which would otherwise spin a full dataset pass per
		// loop iteration with no sleep and no ctx check. Once a whole
		// pass has turned up no packets, pace it to one pass per tick.
		if noMatchStreak >= e.n {
			select {
			case <-ctx.Done():
				return StreamPacket{}, ctx.Err()
			case <-time.After(tickInterval):
			}
			noMatchStreak = 0
		}
	}
}

// synthesize assembles the packet for bin i, per spec.md §4.3 steps 1-4,
// reporting whether it survives the currently installed filter.
func (e *PlaybackEngine) synthesize(i int64, seq uint64, now time.Time) (StreamPacket, bool, error) {
	t0 := float64(i) * 0.025
	t1 := t0 + 0.025

	bins := e.dataset.BinnedSpikes(t0, t1, binMs)
	if len(bins) == 0 {
		return StreamPacket{}, false, fmt.Errorf("phantomlink: binned_spikes returned no rows for [%f,%f)", t0, t1)
	}
	counts := bins[0]

	channelIDs := make([]int, len(counts))
	for c := range channelIDs {
		channelIDs[c] = c
	}

	kin := e.dataset.Kinematics(t0, t1)
	var k Kinematics
	if len(kin.X) > 0 {
		k = Kinematics{Vx: kin.Vx[0], Vy: kin.Vy[0], X: kin.X[0], Y: kin.Y[0]}
	}

	var intention Intention
	var trialID *int
	var trialTimeMs *float64

	trial, ok := e.dataset.TrialAt(t0)
	if ok {
		id := trial.TrialID
		trialID = &id
		ms := t0*1000 - trial.StartTime*1000
		trialTimeMs = &ms
		tx, ty := trial.TargetPosition()
		dist := math.Hypot(k.X-tx, k.Y-ty)
		intention = Intention{
			Active:           true,
			TargetID:         trial.ActiveTarget,
			TargetX:          tx,
			TargetY:          ty,
			DistanceToTarget: dist,
		}
	}

	trialFilter, targetFilter := e.currentFilter()
	if trialFilter != nil {
		if trialID == nil || *trialID != *trialFilter {
			return StreamPacket{}, false, nil
		}
	}
	if targetFilter != nil {
		if !intention.Active || intention.TargetID != *targetFilter {
			return StreamPacket{}, false, nil
		}
	}

	packet := StreamPacket{
		Timestamp:      float64(now.UnixNano()) / 1e9,
		SequenceNumber: seq,
		Spikes: SpikeData{
			ChannelIDs:  channelIDs,
			SpikeCounts: counts,
			BinSizeMs:   binMs,
		},
		Kinematics:  k,
		Intention:   intention,
		TrialID:     trialID,
		TrialTimeMs: trialTimeMs,
	}
	return packet, true, nil
}

// NumTicks returns N = floor(D*40), the cursor's exclusive upper bound.
func (e *PlaybackEngine) NumTicks() int64 { return e.n }
