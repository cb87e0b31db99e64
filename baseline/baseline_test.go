package baseline

import (
	"fmt"
	"math"
	"testing"
)

// mockDataset holds straight-line trajectories with a configurable speed per
// example.
type mockDataset struct {
	histories [][][2]float32
	futures   [][][2]float32
}

func (m *mockDataset) Len() int { return len(m.histories) }

func (m *mockDataset) TrajectorySample(idx int) (history, future [][2]float32, err error) {
	if idx < 0 || idx >= len(m.histories) {
		return nil, nil, fmt.Errorf("index %d out of range", idx)
	}
	return m.histories[idx], m.futures[idx], nil
}

// straightLine builds a track moving at constant velocity (vx, vy) from
// (x0, y0): histLen points of history and futLen future points.
func straightLine(x0, y0, vx, vy float32, histLen, futLen int) (history, future [][2]float32) {
	for i := 0; i < histLen; i++ {
		history = append(history, [2]float32{x0 + vx*float32(i), y0 + vy*float32(i)})
	}
	lastX := x0 + vx*float32(histLen-1)
	lastY := y0 + vy*float32(histLen-1)
	for i := 1; i <= futLen; i++ {
		future = append(future, [2]float32{lastX + vx*float32(i), lastY + vy*float32(i)})
	}
	return history, future
}

func lineDataset(n int) *mockDataset {
	ds := &mockDataset{}
	for i := 0; i < n; i++ {
		// Speeds around 1 m/frame in varying directions and positions.
		speed := float32(0.8) + 0.05*float32(i%8)
		h, f := straightLine(float32(10*i), float32(5*i), speed, 0, 4, 6)
		ds.histories = append(ds.histories, h)
		ds.futures = append(ds.futures, f)
	}
	return ds
}

func TestPredictorValidation(t *testing.T) {
	if _, err := NewPredictor(nil, 3); err == nil {
		t.Fatalf("expected error for nil dataset")
	}
	if _, err := NewPredictor(lineDataset(5), 0); err == nil {
		t.Fatalf("expected error for k < 1")
	}

	p, err := NewPredictor(lineDataset(5), 3)
	if err != nil {
		t.Fatalf("NewPredictor error: %v", err)
	}
	if _, err := p.Predict(nil, 5); err == nil {
		t.Fatalf("expected error for empty history")
	}
	if _, err := p.Predict([][2]float32{{0, 0}, {1, 0}}, 0); err == nil {
		t.Fatalf("expected error for zero steps")
	}
	if _, err := p.Simulate([][2]float32{{0, 0}, {1, 0}}, 0, 5); err == nil {
		t.Fatalf("expected error for zero sims")
	}
}

func TestPredictStraightLine(t *testing.T) {
	p, err := NewPredictor(lineDataset(24), 4)
	if err != nil {
		t.Fatalf("NewPredictor error: %v", err)
	}
	p.SetSeed(1)

	// Query: 1 m/frame along +x. Both the neighbors and the extrapolation
	// continue the line, so the blend should too.
	history, _ := straightLine(100, 50, 1, 0, 4, 0)
	const steps = 5
	traj, err := p.Predict(history, steps)
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	if len(traj) != steps {
		t.Fatalf("trajectory has %d points, want %d", len(traj), steps)
	}
	for i, pt := range traj {
		wantX := 103 + float32(i+1)
		if math.Abs(float64(pt.X-wantX)) > 0.5 {
			t.Fatalf("step %d x = %v, want about %v", i, pt.X, wantX)
		}
		if math.Abs(float64(pt.Y-50)) > 0.5 {
			t.Fatalf("step %d y = %v, want about 50", i, pt.Y)
		}
	}
}

func TestPredictRotatedQuery(t *testing.T) {
	p, err := NewPredictor(lineDataset(24), 4)
	if err != nil {
		t.Fatalf("NewPredictor error: %v", err)
	}
	p.SetSeed(2)

	// Same speed but heading +y. Neighbor futures transfer through the
	// heading frame, so the prediction should continue along +y.
	history, _ := straightLine(0, 0, 0, 0, 0, 0)
	history = [][2]float32{{0, 0}, {0, 1}, {0, 2}, {0, 3}}
	traj, err := p.Predict(history, 4)
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	for i, pt := range traj {
		wantY := 3 + float32(i+1)
		if math.Abs(float64(pt.Y-wantY)) > 0.5 {
			t.Fatalf("step %d y = %v, want about %v", i, pt.Y, wantY)
		}
		if math.Abs(float64(pt.X)) > 0.5 {
			t.Fatalf("step %d x = %v, want about 0", i, pt.X)
		}
	}
}

func TestPredictShortHistoryFallsBackToExtrapolation(t *testing.T) {
	p, err := NewPredictor(lineDataset(8), 2)
	if err != nil {
		t.Fatalf("NewPredictor error: %v", err)
	}

	traj, err := p.Predict([][2]float32{{5, 5}}, 3)
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	// A single observed point has no velocity; the agent stays put.
	for i, pt := range traj {
		if pt.X != 5 || pt.Y != 5 {
			t.Fatalf("step %d = %+v, want (5, 5)", i, pt)
		}
	}
}

func TestSimulate(t *testing.T) {
	p, err := NewPredictor(lineDataset(24), 4)
	if err != nil {
		t.Fatalf("NewPredictor error: %v", err)
	}
	p.SetSeed(3)
	p.SetNoiseSigma(0.05)

	history, _ := straightLine(0, 0, 1, 0, 4, 0)
	const numSims, steps = 16, 5
	results, err := p.Simulate(history, numSims, steps)
	if err != nil {
		t.Fatalf("Simulate error: %v", err)
	}
	if len(results) != numSims {
		t.Fatalf("got %d results, want %d", len(results), numSims)
	}
	for i, res := range results {
		if len(res.Trajectory) != steps {
			t.Fatalf("result %d has %d points, want %d", i, len(res.Trajectory), steps)
		}
		if res.NeighborIdx < 0 || res.NeighborIdx >= 24 {
			t.Fatalf("result %d sampled neighbor %d out of range", i, res.NeighborIdx)
		}
		for j, pt := range res.Trajectory {
			if math.IsNaN(float64(pt.X)) || math.IsNaN(float64(pt.Y)) {
				t.Fatalf("result %d point %d is NaN", i, j)
			}
		}
		// Draws stay near the straight-line continuation.
		last := res.Trajectory[steps-1]
		if math.Abs(float64(last.X)-8) > 2 || math.Abs(float64(last.Y)) > 2 {
			t.Fatalf("result %d drifted to %+v", i, last)
		}
	}
}

func TestSimulateSeededDeterminism(t *testing.T) {
	history, _ := straightLine(0, 0, 1, 0, 4, 0)

	// Unique speeds keep the neighbor distances tie-free, so the sampled
	// neighbor set is the same on every run.
	ds := &mockDataset{}
	for i := 0; i < 16; i++ {
		h, f := straightLine(float32(10*i), 0, 0.8+0.03*float32(i), 0, 4, 6)
		ds.histories = append(ds.histories, h)
		ds.futures = append(ds.futures, f)
	}

	run := func() []SimulationResult {
		p, err := NewPredictor(ds, 3)
		if err != nil {
			t.Fatalf("NewPredictor error: %v", err)
		}
		p.SetSeed(7)
		results, err := p.Simulate(history, 8, 4)
		if err != nil {
			t.Fatalf("Simulate error: %v", err)
		}
		return results
	}

	a := run()
	b := run()
	for i := range a {
		if a[i].NeighborIdx != b[i].NeighborIdx {
			t.Fatalf("draw %d sampled different neighbors: %d vs %d", i, a[i].NeighborIdx, b[i].NeighborIdx)
		}
		for j := range a[i].Trajectory {
			if a[i].Trajectory[j] != b[i].Trajectory[j] {
				t.Fatalf("draw %d point %d differs: %+v vs %+v",
					i, j, a[i].Trajectory[j], b[i].Trajectory[j])
			}
		}
	}
}

func TestMotionFeatures(t *testing.T) {
	if _, ok := motionFeatures([][2]float32{{1, 1}}); ok {
		t.Fatalf("expected no features from a single point")
	}

	feats, ok := motionFeatures([][2]float32{{0, 0}, {3, 4}})
	if !ok {
		t.Fatalf("expected features from two points")
	}
	if math.Abs(feats[0]-5) > 1e-6 {
		t.Fatalf("speed = %v, want 5", feats[0])
	}
	if math.Abs(feats[1]-0.6) > 1e-6 || math.Abs(feats[2]-0.8) > 1e-6 {
		t.Fatalf("heading = (%v, %v), want (0.6, 0.8)", feats[1], feats[2])
	}
}
