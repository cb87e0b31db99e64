package train

import (
	"fmt"
	"sync"
)

// AllReducer averages gradient buffers across the replicas of one training
// step. Every rank calls Reduce with its gradient slices; the call blocks
// until all ranks of the world have contributed, then each rank's buffers
// are overwritten with the element-wise average. The reducer is reusable
// across steps.
//
// All ranks must pass buffers with identical shapes. When a rank fails
// mid-step it must call Abort so the ranks blocked in Reduce unwind instead
// of waiting forever.
type AllReducer struct {
	world int

	mu   sync.Mutex
	cond *sync.Cond

	sum        [][]float32
	arrived    int
	leaving    int
	generation int

	failed error
}

// NewAllReducer creates a reducer for a world of the given size.
func NewAllReducer(world int) (*AllReducer, error) {
	if world < 1 {
		return nil, fmt.Errorf("world size must be >= 1, got %d", world)
	}
	r := &AllReducer{world: world}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// Reduce contributes grads to the current round and blocks until the round
// completes, then replaces grads with the average across ranks.
func (r *AllReducer) Reduce(grads [][]float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Wait for the previous round to fully drain before starting a new one.
	for r.leaving > 0 && r.failed == nil {
		r.cond.Wait()
	}
	if r.failed != nil {
		return r.failed
	}

	if r.arrived == 0 {
		if err := r.ensureSum(grads); err != nil {
			return err
		}
	} else if err := r.checkShapes(grads); err != nil {
		return err
	}

	for i := range grads {
		s := r.sum[i]
		for j, v := range grads[i] {
			s[j] += v
		}
	}
	r.arrived++

	gen := r.generation
	if r.arrived == r.world {
		scale := 1 / float32(r.world)
		for _, s := range r.sum {
			for j := range s {
				s[j] *= scale
			}
		}
		r.arrived = 0
		r.leaving = r.world
		r.generation++
		r.cond.Broadcast()
	} else {
		for gen == r.generation && r.failed == nil {
			r.cond.Wait()
		}
		if r.failed != nil {
			return r.failed
		}
	}

	for i := range grads {
		copy(grads[i], r.sum[i])
	}
	r.leaving--
	if r.leaving == 0 {
		r.cond.Broadcast()
	}
	return nil
}

// Abort poisons the reducer: every blocked and future Reduce returns err.
func (r *AllReducer) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = err
	}
	r.cond.Broadcast()
}

func (r *AllReducer) ensureSum(grads [][]float32) error {
	if r.sum != nil {
		if err := r.checkShapes(grads); err != nil {
			return err
		}
		for _, s := range r.sum {
			for j := range s {
				s[j] = 0
			}
		}
		return nil
	}
	r.sum = make([][]float32, len(grads))
	for i := range grads {
		r.sum[i] = make([]float32, len(grads[i]))
	}
	return nil
}

func (r *AllReducer) checkShapes(grads [][]float32) error {
	if len(grads) != len(r.sum) {
		return fmt.Errorf("gradient group count mismatch: got %d, reducer has %d", len(grads), len(r.sum))
	}
	for i := range grads {
		if len(grads[i]) != len(r.sum[i]) {
			return fmt.Errorf("gradient group %d size mismatch: got %d, reducer has %d",
				i, len(grads[i]), len(r.sum[i]))
		}
	}
	return nil
}
