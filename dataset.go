package phantomlink

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
)

// Trial is a behavioral epoch with a designated reach target, the
// ground-truth label decoders are meant to learn. See spec.md §3.
type Trial struct {
	TrialID           int
	StartTime         float64
	StopTime          float64
	Success           bool
	NumTargets        int
	ActiveTarget      int
	TargetPositions   [][2]float64
}

// TargetPosition returns the (x, y) position of the trial's active target.
func (t Trial) TargetPosition() (float64, float64) {
	if t.ActiveTarget < 0 || t.ActiveTarget >= len(t.TargetPositions) {
		return 0, 0
	}
	p := t.TargetPositions[t.ActiveTarget]
	return p[0], p[1]
}

// KinematicsWindow is the per-sample slices returned by Dataset.Kinematics,
// one entry per behavior sample falling in the requested window.
type KinematicsWindow struct {
	Vx, Vy, X, Y []float64
}

// Dataset is the read-only, concurrency-safe contract the playback engine
// pulls from (spec.md §4.1). It is the one external collaborator this
// repository ships a concrete implementation of: SyntheticDataset.
type Dataset interface {
	NumChannels() int
	DurationSeconds() float64
	BehaviorRate() float64

	// BinnedSpikes bins spikes for every channel into bins of bin_ms
	// width over [t0, t1). It always returns at least one row: an
	// out-of-range window returns all-zero bins.
	BinnedSpikes(t0, t1, binMs float64) [][]int

	// Kinematics index-slices the behavior arrays over [t0, t1) using
	// the dataset's detected behavior rate.
	Kinematics(t0, t1 float64) KinematicsWindow

	TrialList() []Trial
	TrialAt(t float64) (Trial, bool)
	TrialsForTarget(k int) []Trial
}

// SyntheticDataset is a deterministic, in-memory stand-in for a real
// recording-format reader (NWB/HDF5 in original_source/data_loader.py).
// Everything is generated once at construction from a seed derived from
// the dataset name, then never mutated — safe for any number of
// concurrent readers without locking.
type SyntheticDataset struct {
	numChannels int
	duration    float64
	behaviorHz  float64

	spikeTimes [][]float64 // per channel, sorted ascending

	behaviorTimes []float64
	behaviorX     []float64
	behaviorY     []float64
	behaviorVx    []float64
	behaviorVy    []float64

	trials []Trial
}

// SyntheticDatasetConfig controls the shape of a generated recording.
type SyntheticDatasetConfig struct {
	Name            string  // seeds the RNG; same name -> same recording
	NumChannels     int
	DurationSeconds float64
	BehaviorHz      float64 // sampling rate of the behavior stream; need not be 40Hz
	TrialSeconds    float64 // nominal trial length before a gap
	NumTargets      int
}

// DefaultSyntheticDatasetConfig mirrors the defaults in
// original_source/src/phantomlink/config.py's dataset_name="mc_maze", plus
// reasonable sizing for a motor-cortex-like recording.
func DefaultSyntheticDatasetConfig(name string) SyntheticDatasetConfig {
	return SyntheticDatasetConfig{
		Name:            name,
		NumChannels:     96,
		DurationSeconds: 600,
		BehaviorHz:      200,
		TrialSeconds:    4,
		NumTargets:      8,
	}
}

// Validate reports ErrDatasetUnavailable if cfg cannot produce a servable
// recording, the synthetic stand-in for original_source/data_loader.py
// failing to find a named dataset on disk.
func (cfg SyntheticDatasetConfig) Validate() error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: empty dataset name", ErrDatasetUnavailable)
	}
	if cfg.DurationSeconds <= 0 {
		return fmt.Errorf("%w: dataset %q has non-positive duration %v", ErrDatasetUnavailable, cfg.Name, cfg.DurationSeconds)
	}
	return nil
}

func seedFromName(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// NewSyntheticDataset builds a deterministic recording per cfg.
func NewSyntheticDataset(cfg SyntheticDatasetConfig) *SyntheticDataset {
	if cfg.NumChannels <= 0 {
		cfg.NumChannels = 1
	}
	if cfg.BehaviorHz <= 0 {
		cfg.BehaviorHz = 200
	}
	if cfg.TrialSeconds <= 0 {
		cfg.TrialSeconds = 4
	}
	if cfg.NumTargets <= 0 {
		cfg.NumTargets = 8
	}

	rng := rand.New(rand.NewSource(seedFromName(cfg.Name)))
	ds := &SyntheticDataset{
		numChannels: cfg.NumChannels,
		duration:    cfg.DurationSeconds,
		behaviorHz:  cfg.BehaviorHz,
	}

	ds.generateSpikes(rng)
	ds.generateBehavior(rng)
	ds.generateTrials(rng, cfg)
	return ds
}

func (d *SyntheticDataset) generateSpikes(rng *rand.Rand) {
	d.spikeTimes = make([][]float64, d.numChannels)
	for c := 0; c < d.numChannels; c++ {
		rate := 5 + 40*rng.Float64() // 5-45 Hz per unit, typical motor cortex range
		var times []float64
		t := 0.0
		for t < d.duration {
			// Homogeneous Poisson process via exponential inter-spike intervals.
			interval := -math.Log(1-rng.Float64()) / rate
			t += interval
			if t < d.duration {
				times = append(times, t)
			}
		}
		sort.Float64s(times)
		d.spikeTimes[c] = times
	}
}

func (d *SyntheticDataset) generateBehavior(rng *rand.Rand) {
	n := int(d.duration * d.behaviorHz)
	d.behaviorTimes = make([]float64, n)
	d.behaviorX = make([]float64, n)
	d.behaviorY = make([]float64, n)
	d.behaviorVx = make([]float64, n)
	d.behaviorVy = make([]float64, n)

	// A handful of slow sinusoids with randomized phase/frequency give a
	// smooth, non-trivial trajectory without needing real behavior data.
	type wave struct{ freq, phaseX, phaseY, amp float64 }
	waves := make([]wave, 3)
	for i := range waves {
		waves[i] = wave{
			freq:   0.05 + 0.15*rng.Float64(),
			phaseX: 2 * math.Pi * rng.Float64(),
			phaseY: 2 * math.Pi * rng.Float64(),
			amp:    20 + 30*rng.Float64(),
		}
	}
	dt := 1.0 / d.behaviorHz
	for i := 0; i < n; i++ {
		t := float64(i) * dt
		d.behaviorTimes[i] = t
		var x, y, vx, vy float64
		for _, w := range waves {
			omega := 2 * math.Pi * w.freq
			x += w.amp * math.Sin(omega*t+w.phaseX)
			y += w.amp * math.Sin(omega*t+w.phaseY)
			vx += w.amp * omega * math.Cos(omega*t+w.phaseX)
			vy += w.amp * omega * math.Cos(omega*t+w.phaseY)
		}
		d.behaviorX[i] = x
		d.behaviorY[i] = y
		d.behaviorVx[i] = vx
		d.behaviorVy[i] = vy
	}
}

func (d *SyntheticDataset) generateTrials(rng *rand.Rand, cfg SyntheticDatasetConfig) {
	ring := make([][2]float64, cfg.NumTargets)
	const radius = 80.0
	for i := range ring {
		theta := 2 * math.Pi * float64(i) / float64(cfg.NumTargets)
		ring[i] = [2]float64{radius * math.Cos(theta), radius * math.Sin(theta)}
	}

	var trials []Trial
	t := 0.0
	id := 0
	const gap = 0.5 // seconds of inter-trial interval with no active trial
	for t+cfg.TrialSeconds <= d.duration {
		start := t
		stop := t + cfg.TrialSeconds
		trials = append(trials, Trial{
			TrialID:         id,
			StartTime:       start,
			StopTime:        stop,
			Success:         rng.Float64() < 0.85,
			NumTargets:      cfg.NumTargets,
			ActiveTarget:    rng.Intn(cfg.NumTargets),
			TargetPositions: append([][2]float64(nil), ring...),
		})
		id++
		t = stop + gap
	}
	d.trials = trials
}

func (d *SyntheticDataset) NumChannels() int        { return d.numChannels }
func (d *SyntheticDataset) DurationSeconds() float64 { return d.duration }
func (d *SyntheticDataset) BehaviorRate() float64    { return d.behaviorHz }

// BinnedSpikes implements Dataset.BinnedSpikes per spec.md §4.1:
// B = max(1, floor((t1-t0)/(bin_ms/1000))), out-of-range windows are
// all-zero.
func (d *SyntheticDataset) BinnedSpikes(t0, t1, binMs float64) [][]int {
	binSizeS := binMs / 1000.0
	numBins := int((t1 - t0) / binSizeS)
	if numBins < 1 {
		numBins = 1
	}
	counts := make([][]int, numBins)
	for i := range counts {
		counts[i] = make([]int, d.numChannels)
	}
	if t1 <= 0 || t0 >= d.duration {
		return counts
	}
	for c := 0; c < d.numChannels; c++ {
		times := d.spikeTimes[c]
		lo := sort.SearchFloat64s(times, t0)
		hi := sort.SearchFloat64s(times, t1)
		for _, ts := range times[lo:hi] {
			bin := int((ts - t0) / binSizeS)
			if bin < 0 {
				bin = 0
			}
			if bin >= numBins {
				bin = numBins - 1
			}
			counts[bin][c]++
		}
	}
	return counts
}

// Kinematics implements Dataset.Kinematics by index-slicing the behavior
// arrays with i = floor(t*f_b), per spec.md §4.1.
func (d *SyntheticDataset) Kinematics(t0, t1 float64) KinematicsWindow {
	n := len(d.behaviorTimes)
	startIdx := int(t0 * d.behaviorHz)
	endIdx := int(t1 * d.behaviorHz)
	if startIdx < 0 {
		startIdx = 0
	}
	if endIdx > n {
		endIdx = n
	}
	if startIdx >= endIdx {
		if startIdx >= n {
			return KinematicsWindow{}
		}
		endIdx = startIdx + 1
		if endIdx > n {
			endIdx = n
		}
	}
	return KinematicsWindow{
		Vx: append([]float64(nil), d.behaviorVx[startIdx:endIdx]...),
		Vy: append([]float64(nil), d.behaviorVy[startIdx:endIdx]...),
		X:  append([]float64(nil), d.behaviorX[startIdx:endIdx]...),
		Y:  append([]float64(nil), d.behaviorY[startIdx:endIdx]...),
	}
}

func (d *SyntheticDataset) TrialList() []Trial {
	return append([]Trial(nil), d.trials...)
}

// TrialAt returns the trial containing t, half-open on the stop bound.
func (d *SyntheticDataset) TrialAt(t float64) (Trial, bool) {
	// Trials are generated in non-decreasing start order; a linear scan is
	// well under budget at 25ms-tick rates for any realistic trial count,
	// and avoids maintaining a second sorted index.
	for _, tr := range d.trials {
		if t >= tr.StartTime && t < tr.StopTime {
			return tr, true
		}
		if tr.StartTime > t {
			break
		}
	}
	return Trial{}, false
}

func (d *SyntheticDataset) TrialsForTarget(k int) []Trial {
	var out []Trial
	for _, tr := range d.trials {
		if tr.ActiveTarget == k {
			out = append(out, tr)
		}
	}
	return out
}
