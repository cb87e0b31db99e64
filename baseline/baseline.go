// Package baseline provides a learning-free reference predictor for agent
// trajectories. It mixes constant-velocity extrapolation with futures sampled
// from the K nearest stored trajectories, which gives the trained model a
// floor to beat.
package baseline

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Point is a 2D world-frame position.
type Point struct {
	X float32
	Y float32
}

// SimulationResult holds one Monte Carlo draw: a future trajectory plus the
// dataset example whose future was sampled.
type SimulationResult struct {
	// Trajectory has Steps points, starting one frame after the anchor.
	Trajectory []Point

	// NeighborIdx is the index of the dataset example that was sampled, or
	// -1 when the draw fell back to pure extrapolation.
	NeighborIdx int
}

// Dataset is the minimal view the baseline needs of the trajectory store.
// Using an interface here keeps the package decoupled from the concrete
// dataset type.
type Dataset interface {
	// Len returns the number of examples.
	Len() int

	// TrajectorySample returns the world-frame history (oldest first, anchor
	// last) and observed future positions of the example's track.
	TrajectorySample(idx int) (history, future [][2]float32, err error)
}

// Predictor runs the KNN Monte Carlo baseline. Neighbors are matched in a
// small motion-feature space (speed, heading, curvature) so trajectories from
// anywhere on the map can serve as future templates.
type Predictor struct {
	DS Dataset
	K  int

	// Tunables, exported so CLI wiring can set them.
	BlendWeight float64 // weight of the sampled neighbor future vs. extrapolation
	NoiseSigma  float64 // per-step positional jitter in meters
	DistanceEps float64 // epsilon added to distances before inverse weighting

	rng *rand.Rand
}

// NewPredictor creates a baseline predictor over ds. k must be >= 1.
func NewPredictor(ds Dataset, k int) (*Predictor, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	return &Predictor{
		DS:          ds,
		K:           k,
		BlendWeight: 0.5,
		NoiseSigma:  0.1,
		DistanceEps: 1e-6,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SetSeed reseeds the sampling RNG for reproducible runs.
func (p *Predictor) SetSeed(seed int64) {
	if p == nil {
		return
	}
	p.rng = rand.New(rand.NewSource(seed))
}

// SetBlendWeight sets the neighbor-vs-extrapolation mix in [0, 1].
func (p *Predictor) SetBlendWeight(v float64) {
	if p == nil {
		return
	}
	p.BlendWeight = v
}

// SetNoiseSigma sets the per-step positional jitter in meters.
func (p *Predictor) SetNoiseSigma(v float64) {
	if p == nil {
		return
	}
	p.NoiseSigma = v
}

// motionFeatures summarizes a history window as [speed, heading-x, heading-y,
// curvature]. Headings enter as unit-vector components so the feature
// distance has no wrap-around at +/-pi.
func motionFeatures(history [][2]float32) ([4]float64, bool) {
	if len(history) < 2 {
		return [4]float64{}, false
	}
	last := history[len(history)-1]
	prev := history[len(history)-2]
	dx := float64(last[0] - prev[0])
	dy := float64(last[1] - prev[1])
	speed := math.Hypot(dx, dy)

	var hx, hy float64
	if speed > 1e-9 {
		hx = dx / speed
		hy = dy / speed
	}

	// Curvature proxy: heading change over the previous step, when available.
	var curvature float64
	if len(history) >= 3 {
		prev2 := history[len(history)-3]
		pdx := float64(prev[0] - prev2[0])
		pdy := float64(prev[1] - prev2[1])
		if plen := math.Hypot(pdx, pdy); plen > 1e-9 && speed > 1e-9 {
			cross := (pdx*dy - pdy*dx) / (plen * speed)
			curvature = cross
		}
	}
	return [4]float64{speed, hx, hy, curvature}, true
}

func featureDistance(a, b [4]float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// neighbor is a KNN candidate: its dataset index, feature distance and the
// agent-frame offsets of its observed future.
type neighbor struct {
	idx      int
	distance float64
	offsets  [][2]float64
}

// toAgentOffsets expresses future positions as offsets in the anchor's
// heading frame, so a neighbor's future transfers to a query anywhere on the
// map.
func toAgentOffsets(history, future [][2]float32) [][2]float64 {
	last := history[len(history)-1]
	prev := history[len(history)-2]
	dx := float64(last[0] - prev[0])
	dy := float64(last[1] - prev[1])
	yaw := math.Atan2(dy, dx)
	c := math.Cos(yaw)
	s := math.Sin(yaw)

	offsets := make([][2]float64, len(future))
	for i, f := range future {
		wx := float64(f[0] - last[0])
		wy := float64(f[1] - last[1])
		offsets[i] = [2]float64{wx*c + wy*s, -wx*s + wy*c}
	}
	return offsets
}

// knnNeighbors linearly scans the dataset for the k motion-feature nearest
// examples with observed futures. Distances are computed by a worker pool.
func (p *Predictor) knnNeighbors(query [4]float64, k int) ([]neighbor, error) {
	n := p.DS.Len()
	if n == 0 {
		return nil, fmt.Errorf("trajectory dataset is empty")
	}

	jobs := make(chan int, n)
	resultsCh := make(chan neighbor, n)

	workerCount := runtime.NumCPU()
	if workerCount > n {
		workerCount = n
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				history, future, err := p.DS.TrajectorySample(i)
				if err != nil {
					// skip entries we can't read
					continue
				}
				if len(future) == 0 {
					continue
				}
				feats, ok := motionFeatures(history)
				if !ok {
					continue
				}
				resultsCh <- neighbor{
					idx:      i,
					distance: featureDistance(query, feats),
					offsets:  toAgentOffsets(history, future),
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	candidates := make([]neighbor, 0, n)
	for nb := range resultsCh {
		candidates = append(candidates, nb)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no examples with observed futures in dataset")
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})
	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

// extrapolate continues the history at constant velocity for steps frames.
func extrapolate(history [][2]float32, steps int) []Point {
	last := history[len(history)-1]
	var vx, vy float64
	if len(history) >= 2 {
		prev := history[len(history)-2]
		vx = float64(last[0] - prev[0])
		vy = float64(last[1] - prev[1])
	}
	out := make([]Point, steps)
	for i := 0; i < steps; i++ {
		out[i] = Point{
			X: last[0] + float32(vx*float64(i+1)),
			Y: last[1] + float32(vy*float64(i+1)),
		}
	}
	return out
}

// applyOffsets places agent-frame offsets back into the world around the
// anchor, reusing the anchor's heading. Offsets shorter than steps are
// extended at the offset trajectory's final velocity.
func applyOffsets(history [][2]float32, offsets [][2]float64, steps int) []Point {
	last := history[len(history)-1]
	prev := history[len(history)-2]
	yaw := math.Atan2(float64(last[1]-prev[1]), float64(last[0]-prev[0]))
	c := math.Cos(yaw)
	s := math.Sin(yaw)

	out := make([]Point, steps)
	for i := 0; i < steps; i++ {
		var ox, oy float64
		if i < len(offsets) {
			ox = offsets[i][0]
			oy = offsets[i][1]
		} else if len(offsets) >= 2 {
			n := len(offsets)
			ox = offsets[n-1][0] + (offsets[n-1][0]-offsets[n-2][0])*float64(i-n+1)
			oy = offsets[n-1][1] + (offsets[n-1][1]-offsets[n-2][1])*float64(i-n+1)
		} else if len(offsets) == 1 {
			ox = offsets[0][0] * float64(i+1)
			oy = offsets[0][1] * float64(i+1)
		}
		out[i] = Point{
			X: last[0] + float32(ox*c-oy*s),
			Y: last[1] + float32(ox*s+oy*c),
		}
	}
	return out
}

// Predict returns a single deterministic future of steps frames for the
// given history: the inverse-distance weighted average of the K nearest
// neighbor futures, blended with constant-velocity extrapolation.
func (p *Predictor) Predict(history [][2]float32, steps int) ([]Point, error) {
	if p == nil {
		return nil, errors.New("predictor is nil")
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("history is empty")
	}
	if steps < 1 {
		return nil, fmt.Errorf("steps must be >= 1, got %d", steps)
	}

	cv := extrapolate(history, steps)

	feats, ok := motionFeatures(history)
	if !ok {
		// Not enough history for a heading; extrapolation alone is all we have.
		return cv, nil
	}
	neighbors, err := p.knnNeighbors(feats, p.K)
	if err != nil {
		return nil, err
	}

	var totalWeight float64
	mean := make([]Point, steps)
	for _, nb := range neighbors {
		w := 1.0 / (nb.distance + p.DistanceEps)
		traj := applyOffsets(history, nb.offsets, steps)
		for i := range mean {
			mean[i].X += float32(w) * traj[i].X
			mean[i].Y += float32(w) * traj[i].Y
		}
		totalWeight += w
	}
	for i := range mean {
		mean[i].X /= float32(totalWeight)
		mean[i].Y /= float32(totalWeight)
	}

	blend := p.BlendWeight
	out := make([]Point, steps)
	for i := range out {
		out[i].X = float32(blend)*mean[i].X + float32(1-blend)*cv[i].X
		out[i].Y = float32(blend)*mean[i].Y + float32(1-blend)*cv[i].Y
	}
	return out, nil
}

// Simulate runs numSims Monte Carlo draws for the given history. Each draw
// samples one of the K nearest neighbors with probability proportional to
// inverse feature distance, transfers its future to the query agent, blends
// with constant-velocity extrapolation and adds positional jitter.
func (p *Predictor) Simulate(history [][2]float32, numSims, steps int) ([]SimulationResult, error) {
	if p == nil {
		return nil, errors.New("predictor is nil")
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("history is empty")
	}
	if numSims <= 0 {
		return nil, fmt.Errorf("numSims must be > 0")
	}
	if steps < 1 {
		return nil, fmt.Errorf("steps must be >= 1, got %d", steps)
	}

	cv := extrapolate(history, steps)

	feats, hasFeats := motionFeatures(history)
	var neighbors []neighbor
	var weights []float64
	var totalWeight float64
	if hasFeats {
		var err error
		neighbors, err = p.knnNeighbors(feats, p.K)
		if err != nil {
			return nil, err
		}
		weights = make([]float64, len(neighbors))
		for i, nb := range neighbors {
			w := 1.0 / (nb.distance + p.DistanceEps)
			weights[i] = w
			totalWeight += w
		}
	}

	// Precompute per-draw seeds so the worker pool stays deterministic for a
	// seeded predictor.
	seeds := make([]int64, numSims)
	for i := range seeds {
		seeds[i] = p.rng.Int63()
	}

	results := make([]SimulationResult, numSims)

	workerCount := runtime.NumCPU()
	if workerCount > numSims {
		workerCount = numSims
	}
	jobs := make(chan int, numSims)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for sim := range jobs {
				rng := rand.New(rand.NewSource(seeds[sim]))

				traj := make([]Point, steps)
				copy(traj, cv)
				neighborIdx := -1

				if len(neighbors) > 0 {
					target := rng.Float64() * totalWeight
					acc := 0.0
					choice := 0
					for i, w := range weights {
						acc += w
						if target <= acc {
							choice = i
							break
						}
					}
					chosen := neighbors[choice]
					neighborIdx = chosen.idx

					sampled := applyOffsets(history, chosen.offsets, steps)
					blend := float32(p.BlendWeight)
					for i := range traj {
						traj[i].X = blend*sampled[i].X + (1-blend)*cv[i].X
						traj[i].Y = blend*sampled[i].Y + (1-blend)*cv[i].Y
					}
				}

				for i := range traj {
					traj[i].X += float32(rng.NormFloat64() * p.NoiseSigma)
					traj[i].Y += float32(rng.NormFloat64() * p.NoiseSigma)
				}

				results[sim] = SimulationResult{Trajectory: traj, NeighborIdx: neighborIdx}
			}
		}()
	}

	for i := 0; i < numSims; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results, nil
}
