package train

import (
	"github.com/ShanglinLi/Motion-Prediction/datasets"
)

// batchSource is the slice of the dataset the loader needs.
type batchSource interface {
	Batch(indices []int) (inputs, targets, avails [][]float32, meta []datasets.ExampleMeta, err error)
}

// prefetched is one fetched batch, ready for the training or prediction
// step that asked for it.
type prefetched struct {
	inputs  [][]float32
	targets [][]float32
	avails  [][]float32
	meta    []datasets.ExampleMeta
	err     error
}

// batchLoader fetches batches ahead of the consumer on a pool of worker
// goroutines. Jobs enter a channel in step order and each worker delivers
// its result on the job's own buffered channel, so Next hands batches back
// in the order they were requested no matter which worker finishes first.
// The pending buffer bounds how far the workers run ahead.
type batchLoader struct {
	pending chan chan prefetched
}

// newBatchLoader starts numWorkers fetch goroutines over the given batch
// index slices. numWorkers below 1 falls back to a single worker.
func newBatchLoader(data batchSource, batches [][]int, numWorkers int) *batchLoader {
	if numWorkers < 1 {
		numWorkers = 1
	}

	type job struct {
		indices []int
		result  chan prefetched
	}
	jobs := make(chan job)
	pending := make(chan chan prefetched, numWorkers)

	for w := 0; w < numWorkers; w++ {
		go func() {
			for j := range jobs {
				var p prefetched
				p.inputs, p.targets, p.avails, p.meta, p.err = data.Batch(j.indices)
				j.result <- p
			}
		}()
	}

	go func() {
		for _, indices := range batches {
			result := make(chan prefetched, 1)
			pending <- result
			jobs <- job{indices: indices, result: result}
		}
		close(jobs)
		close(pending)
	}()

	return &batchLoader{pending: pending}
}

// Next returns the next batch in request order. ok is false once every
// batch has been handed out.
func (l *batchLoader) Next() (prefetched, bool) {
	result, ok := <-l.pending
	if !ok {
		return prefetched{}, false
	}
	return <-result, true
}

// drain consumes any batches still in flight so the workers can exit when
// the consumer stops early.
func (l *batchLoader) drain() {
	for result := range l.pending {
		<-result
	}
}
