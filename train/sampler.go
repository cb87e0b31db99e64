// Package train runs the data-parallel training and evaluation loops: one
// model replica per worker, a strided shard sampler, gradient all-reduce
// between replicas, periodic checkpointing from rank 0, and a prediction
// writer for the competition CSV.
package train

import (
	"fmt"
	"math/rand"
)

// ShardSampler deals a dataset out to world-size ranks in strided shards.
// Every index lands in exactly one shard per epoch and shard sizes differ by
// at most one. All ranks derive the same permutation from the seed and
// epoch, so shards never overlap even with shuffling on.
type ShardSampler struct {
	n     int
	rank  int
	world int

	shuffle bool
	seed    int64

	order []int
}

// NewShardSampler creates a sampler for one rank of a world.
func NewShardSampler(n, rank, world int, shuffle bool, seed int64) (*ShardSampler, error) {
	if n < 1 {
		return nil, fmt.Errorf("dataset size must be >= 1, got %d", n)
	}
	if world < 1 {
		return nil, fmt.Errorf("world size must be >= 1, got %d", world)
	}
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, world)
	}
	s := &ShardSampler{n: n, rank: rank, world: world, shuffle: shuffle, seed: seed}
	s.SetEpoch(0)
	return s, nil
}

// SetEpoch rebuilds the (possibly shuffled) epoch ordering. Ranks sharing
// seed and epoch agree on the permutation.
func (s *ShardSampler) SetEpoch(epoch int) {
	if s.order == nil {
		s.order = make([]int, s.n)
	}
	for i := range s.order {
		s.order[i] = i
	}
	if s.shuffle {
		rng := rand.New(rand.NewSource(s.seed + int64(epoch)))
		rng.Shuffle(s.n, func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
}

// Indices returns this rank's shard for the current epoch.
func (s *ShardSampler) Indices() []int {
	shard := make([]int, 0, (s.n+s.world-1)/s.world)
	for i := s.rank; i < s.n; i += s.world {
		shard = append(shard, s.order[i])
	}
	return shard
}
