package train

import (
	"errors"
	"sync"
	"testing"
)

func TestAllReducerAverages(t *testing.T) {
	const world = 3
	r, err := NewAllReducer(world)
	if err != nil {
		t.Fatalf("NewAllReducer error: %v", err)
	}

	grads := make([][][]float32, world)
	for rank := 0; rank < world; rank++ {
		grads[rank] = [][]float32{
			{float32(rank), float32(rank)},
			{float32(10 * rank)},
		}
	}

	var wg sync.WaitGroup
	wg.Add(world)
	for rank := 0; rank < world; rank++ {
		go func(rank int) {
			defer wg.Done()
			if err := r.Reduce(grads[rank]); err != nil {
				t.Errorf("rank %d Reduce error: %v", rank, err)
			}
		}(rank)
	}
	wg.Wait()

	// Averages of {0,1,2} and {0,10,20}.
	for rank := 0; rank < world; rank++ {
		if grads[rank][0][0] != 1 || grads[rank][0][1] != 1 {
			t.Fatalf("rank %d group 0 = %v, want [1 1]", rank, grads[rank][0])
		}
		if grads[rank][1][0] != 10 {
			t.Fatalf("rank %d group 1 = %v, want [10]", rank, grads[rank][1])
		}
	}
}

func TestAllReducerReusableAcrossRounds(t *testing.T) {
	const world, rounds = 2, 5
	r, err := NewAllReducer(world)
	if err != nil {
		t.Fatalf("NewAllReducer error: %v", err)
	}

	results := make([][]float32, world)
	var wg sync.WaitGroup
	wg.Add(world)
	for rank := 0; rank < world; rank++ {
		go func(rank int) {
			defer wg.Done()
			out := make([]float32, rounds)
			for round := 0; round < rounds; round++ {
				g := [][]float32{{float32(rank + round)}}
				if err := r.Reduce(g); err != nil {
					t.Errorf("rank %d round %d: %v", rank, round, err)
					return
				}
				out[round] = g[0][0]
			}
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	for rank := 0; rank < world; rank++ {
		for round := 0; round < rounds; round++ {
			want := float32(round) + 0.5
			if results[rank][round] != want {
				t.Fatalf("rank %d round %d = %v, want %v", rank, round, results[rank][round], want)
			}
		}
	}
}

func TestAllReducerSingleRank(t *testing.T) {
	r, err := NewAllReducer(1)
	if err != nil {
		t.Fatalf("NewAllReducer error: %v", err)
	}
	g := [][]float32{{2, 4}}
	if err := r.Reduce(g); err != nil {
		t.Fatalf("Reduce error: %v", err)
	}
	if g[0][0] != 2 || g[0][1] != 4 {
		t.Fatalf("single-rank reduce changed values: %v", g[0])
	}
}

func TestAllReducerAbortUnblocks(t *testing.T) {
	r, err := NewAllReducer(2)
	if err != nil {
		t.Fatalf("NewAllReducer error: %v", err)
	}

	boom := errors.New("worker failed")
	done := make(chan error, 1)
	go func() {
		done <- r.Reduce([][]float32{{1}})
	}()
	// The other rank never arrives; abort instead.
	r.Abort(boom)

	if err := <-done; !errors.Is(err, boom) {
		t.Fatalf("blocked Reduce returned %v, want %v", err, boom)
	}
	// Future calls fail fast.
	if err := r.Reduce([][]float32{{1}}); !errors.Is(err, boom) {
		t.Fatalf("post-abort Reduce returned %v, want %v", err, boom)
	}
}

func TestAllReducerShapeMismatch(t *testing.T) {
	r, err := NewAllReducer(2)
	if err != nil {
		t.Fatalf("NewAllReducer error: %v", err)
	}

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	reduce := func(g [][]float32) {
		defer wg.Done()
		err := r.Reduce(g)
		if err != nil {
			// Unblock the other rank, as the trainer does on failure.
			r.Abort(err)
		}
		errCh <- err
	}
	go reduce([][]float32{{1, 2}})
	go reduce([][]float32{{1}})
	wg.Wait()
	close(errCh)

	sawMismatch := false
	for err := range errCh {
		if err != nil {
			sawMismatch = true
		}
	}
	if !sawMismatch {
		t.Fatalf("expected a shape mismatch error from one rank")
	}
}

func TestNewAllReducerValidation(t *testing.T) {
	if _, err := NewAllReducer(0); err == nil {
		t.Fatalf("expected error for zero world size")
	}
}
