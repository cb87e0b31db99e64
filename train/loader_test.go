package train

import (
	"fmt"
	"testing"

	"github.com/ShanglinLi/Motion-Prediction/datasets"
)

// stubSource hands back one input row per index holding the index value, so
// a test can tell which batch came out of the loader.
type stubSource struct {
	failOn int
}

func (s *stubSource) Batch(indices []int) (inputs, targets, avails [][]float32, meta []datasets.ExampleMeta, err error) {
	for _, idx := range indices {
		if idx == s.failOn {
			return nil, nil, nil, nil, fmt.Errorf("index %d unreadable", idx)
		}
		inputs = append(inputs, []float32{float32(idx)})
		targets = append(targets, []float32{0})
		avails = append(avails, []float32{1})
		meta = append(meta, datasets.ExampleMeta{Timestamp: int64(idx)})
	}
	return inputs, targets, avails, meta, nil
}

func TestBatchLoaderPreservesOrder(t *testing.T) {
	const n = 20
	batches := make([][]int, n)
	for i := range batches {
		batches[i] = []int{i, i + 100}
	}

	loader := newBatchLoader(&stubSource{failOn: -1}, batches, 4)
	for i := 0; i < n; i++ {
		b, ok := loader.Next()
		if !ok {
			t.Fatalf("loader ran out at batch %d", i)
		}
		if b.err != nil {
			t.Fatalf("batch %d: %v", i, b.err)
		}
		if len(b.inputs) != 2 || b.inputs[0][0] != float32(i) {
			t.Fatalf("batch %d out of order: first input %v", i, b.inputs[0])
		}
		if b.meta[0].Timestamp != int64(i) {
			t.Fatalf("batch %d meta out of order: %d", i, b.meta[0].Timestamp)
		}
	}
	if _, ok := loader.Next(); ok {
		t.Fatalf("loader returned a batch past the end")
	}
}

func TestBatchLoaderPropagatesError(t *testing.T) {
	batches := [][]int{{0}, {1}, {2}, {3}}
	loader := newBatchLoader(&stubSource{failOn: 2}, batches, 3)

	for i := 0; i < 2; i++ {
		b, ok := loader.Next()
		if !ok || b.err != nil {
			t.Fatalf("batch %d: ok=%v err=%v", i, ok, b.err)
		}
	}
	b, ok := loader.Next()
	if !ok {
		t.Fatalf("loader ran out before the failing batch")
	}
	if b.err == nil {
		t.Fatalf("expected an error for the unreadable batch")
	}
	// A consumer that stops on the error must still be able to let the
	// workers finish.
	loader.drain()
}

func TestBatchLoaderSingleWorkerFallback(t *testing.T) {
	batches := [][]int{{5}, {6}}
	loader := newBatchLoader(&stubSource{failOn: -1}, batches, 0)
	for i, want := range []float32{5, 6} {
		b, ok := loader.Next()
		if !ok || b.err != nil {
			t.Fatalf("batch %d: ok=%v err=%v", i, ok, b.err)
		}
		if b.inputs[0][0] != want {
			t.Fatalf("batch %d = %v, want %v", i, b.inputs[0][0], want)
		}
	}
}
