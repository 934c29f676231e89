package phantomlink

import (
	"errors"
	"testing"
)

func testDataset(t *testing.T) *SyntheticDataset {
	t.Helper()
	cfg := SyntheticDatasetConfig{
		Name:            "test-fixture",
		NumChannels:     8,
		DurationSeconds: 20,
		BehaviorHz:      200,
		TrialSeconds:    2,
		NumTargets:      4,
	}
	return NewSyntheticDataset(cfg)
}

func TestSyntheticDatasetDeterministic(t *testing.T) {
	cfg := SyntheticDatasetConfig{Name: "repeatable", NumChannels: 4, DurationSeconds: 10, BehaviorHz: 100, TrialSeconds: 2, NumTargets: 4}
	a := NewSyntheticDataset(cfg)
	b := NewSyntheticDataset(cfg)

	binsA := a.BinnedSpikes(0, 1, 25)
	binsB := b.BinnedSpikes(0, 1, 25)
	for i := range binsA {
		for c := range binsA[i] {
			if binsA[i][c] != binsB[i][c] {
				t.Fatalf("same-named datasets diverged at bin %d channel %d: %d vs %d", i, c, binsA[i][c], binsB[i][c])
			}
		}
	}
}

func TestSyntheticDatasetDifferentNamesDiffer(t *testing.T) {
	a := NewSyntheticDataset(SyntheticDatasetConfig{Name: "alpha", NumChannels: 8, DurationSeconds: 30, BehaviorHz: 100, TrialSeconds: 2, NumTargets: 4})
	b := NewSyntheticDataset(SyntheticDatasetConfig{Name: "beta", NumChannels: 8, DurationSeconds: 30, BehaviorHz: 100, TrialSeconds: 2, NumTargets: 4})

	same := true
	for c := 0; c < a.NumChannels(); c++ {
		if len(a.spikeTimes[c]) != len(b.spikeTimes[c]) {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("expected differently named datasets to diverge in spike train lengths")
	}
}

func TestBinnedSpikesShape(t *testing.T) {
	ds := testDataset(t)
	bins := ds.BinnedSpikes(0, 0.1, 25)
	if len(bins) != 4 {
		t.Fatalf("expected 4 bins for a 100ms window at 25ms bins, got %d", len(bins))
	}
	for _, row := range bins {
		if len(row) != ds.NumChannels() {
			t.Fatalf("expected %d channels per bin, got %d", ds.NumChannels(), len(row))
		}
	}
}

func TestBinnedSpikesOutOfRangeIsZero(t *testing.T) {
	ds := testDataset(t)
	bins := ds.BinnedSpikes(-5, -4, 25)
	for _, row := range bins {
		for _, c := range row {
			if c != 0 {
				t.Fatalf("expected all-zero bins for an out-of-range window, got %d", c)
			}
		}
	}
	bins = ds.BinnedSpikes(ds.DurationSeconds()+10, ds.DurationSeconds()+11, 25)
	for _, row := range bins {
		for _, c := range row {
			if c != 0 {
				t.Fatalf("expected all-zero bins past the recording's end, got %d", c)
			}
		}
	}
}

func TestBinnedSpikesMinimumOneBin(t *testing.T) {
	ds := testDataset(t)
	bins := ds.BinnedSpikes(0, 0, 25)
	if len(bins) != 1 {
		t.Fatalf("expected at least one bin for a degenerate window, got %d", len(bins))
	}
}

func TestKinematicsIndexSlicing(t *testing.T) {
	ds := testDataset(t)
	win := ds.Kinematics(0, 0.1)
	expected := int(0.1 * ds.BehaviorRate())
	if len(win.X) != expected {
		t.Fatalf("expected %d samples in a 100ms window at %v Hz, got %d", expected, ds.BehaviorRate(), len(win.X))
	}
	if len(win.X) != len(win.Y) || len(win.Y) != len(win.Vx) || len(win.Vx) != len(win.Vy) {
		t.Fatalf("kinematics arrays must be parallel in length")
	}
}

func TestTrialsNonOverlapping(t *testing.T) {
	ds := testDataset(t)
	trials := ds.TrialList()
	if len(trials) == 0 {
		t.Fatal("expected at least one trial in a 20s recording with 2s trials")
	}
	for i, tr := range trials {
		if tr.StartTime >= tr.StopTime {
			t.Fatalf("trial %d has non-positive duration: [%f,%f)", i, tr.StartTime, tr.StopTime)
		}
		if tr.ActiveTarget < 0 || tr.ActiveTarget >= tr.NumTargets {
			t.Fatalf("trial %d active_target %d out of range [0,%d)", i, tr.ActiveTarget, tr.NumTargets)
		}
		if i > 0 && trials[i-1].StopTime > tr.StartTime {
			t.Fatalf("trial %d starts before trial %d ends", i, i-1)
		}
	}
}

func TestTrialAtHalfOpenOnStop(t *testing.T) {
	ds := testDataset(t)
	trials := ds.TrialList()
	first := trials[0]

	if _, ok := ds.TrialAt(first.StartTime); !ok {
		t.Fatal("expected TrialAt(t_start) to find the trial")
	}
	if _, ok := ds.TrialAt(first.StopTime); ok {
		t.Fatal("expected TrialAt(t_stop) to be outside the trial, half-open on the stop bound")
	}
}

func TestTrialsForTarget(t *testing.T) {
	ds := testDataset(t)
	for k := 0; k < 4; k++ {
		for _, tr := range ds.TrialsForTarget(k) {
			if tr.ActiveTarget != k {
				t.Fatalf("TrialsForTarget(%d) returned a trial with active_target %d", k, tr.ActiveTarget)
			}
		}
	}
}

func TestDatasetConfigValidateRejectsEmptyName(t *testing.T) {
	cfg := DefaultSyntheticDatasetConfig("")
	err := cfg.Validate()
	if !errors.Is(err, ErrDatasetUnavailable) {
		t.Fatalf("expected an empty dataset name to wrap ErrDatasetUnavailable, got %v", err)
	}
}

func TestDatasetConfigValidateRejectsNonPositiveDuration(t *testing.T) {
	cfg := DefaultSyntheticDatasetConfig("mc_maze")
	cfg.DurationSeconds = 0
	err := cfg.Validate()
	if !errors.Is(err, ErrDatasetUnavailable) {
		t.Fatalf("expected a non-positive duration to wrap ErrDatasetUnavailable, got %v", err)
	}
}

func TestDatasetConfigValidateAcceptsDefaults(t *testing.T) {
	cfg := DefaultSyntheticDatasetConfig("mc_maze")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected the default dataset config to validate, got %v", err)
	}
}
