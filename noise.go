package phantomlink

import (
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// NoiseConfig parameterizes NoiseStage, per spec.md §4.2.
type NoiseConfig struct {
	Enabled          bool
	StdDev           float64
	DriftEnabled     bool
	DriftAmplitude   float64
	DriftPeriodSecs  float64
}

// NoiseStage is a pure, stateful-on-reset spike-count perturber. It
// simulates realistic recording drift: slow per-channel sinusoidal gain
// drift plus i.i.d. Gaussian count noise.
//
// Safe for use by a single engine's tick loop only; it is not safe for
// concurrent Apply calls on the same instance.
type NoiseStage struct {
	cfg NoiseConfig
	rng *rand.Rand

	mu    sync.Mutex
	phase []float64 // per-channel phase offset, nil until first Apply after reset
}

// NewNoiseStage builds a NoiseStage seeded from seed, so a given session's
// drift pattern is reproducible across restarts for the same seed.
func NewNoiseStage(cfg NoiseConfig, seed int64) *NoiseStage {
	return &NoiseStage{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Reset clears the per-channel phase vector so the next Apply call
// re-initializes it, per spec.md §4.2.
func (n *NoiseStage) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.phase = nil
}

// Apply perturbs p's spike counts in place on a clone and returns it.
// elapsedS is the session-relative elapsed time used for the drift
// sinusoid's phase, i·0.025 in the caller's cursor units.
func (n *NoiseStage) Apply(p StreamPacket, elapsedS float64) StreamPacket {
	if !n.cfg.Enabled && !n.cfg.DriftEnabled {
		return p
	}
	out := p.Clone()

	n.mu.Lock()
	if n.phase == nil {
		n.phase = make([]float64, len(out.Spikes.SpikeCounts))
		for c := range n.phase {
			n.phase[c] = n.rng.Float64() * 2 * math.Pi
		}
	}
	phase := n.phase
	n.mu.Unlock()

	normal := distuv.Normal{Mu: 0, Sigma: n.cfg.StdDev, Src: n.rng}
	period := n.cfg.DriftPeriodSecs
	if period <= 0 {
		period = 1
	}

	for c, count := range out.Spikes.SpikeCounts {
		var drift float64
		if n.cfg.DriftEnabled && c < len(phase) {
			drift = n.cfg.DriftAmplitude * math.Sin(2*math.Pi*elapsedS/period+phase[c])
		}
		var noise float64
		if n.cfg.Enabled {
			noise = normal.Rand()
		}
		adjusted := math.Round(float64(count)*(1+drift) + noise)
		if adjusted < 0 {
			adjusted = 0
		}
		out.Spikes.SpikeCounts[c] = int(adjusted)
	}
	return out
}
