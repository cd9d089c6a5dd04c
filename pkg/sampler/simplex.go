package sampler

import (
	"math"
	"sort"
)

// SimplexSampler draws an item with probability proportional to its weight.
// Draws are O(log n) over the cumulative weights; the exact probability of
// any entry can be recovered for Metropolis-Hastings ratios.
type SimplexSampler[T comparable] struct {
	cumulative []float64
	items      []T
}

// Reset empties the sampler, keeping its storage.
func (s *SimplexSampler[T]) Reset() {
	s.cumulative = s.cumulative[:0]
	s.items = s.items[:0]
}

// Add appends an item. Weights that are not finite and positive are
// refused.
func (s *SimplexSampler[T]) Add(weight float64, item T) bool {
	if !(weight > 0) || math.IsInf(weight, 1) {
		return false
	}
	s.cumulative = append(s.cumulative, s.Total()+weight)
	s.items = append(s.items, item)
	return true
}

// Len returns the number of entries.
func (s *SimplexSampler[T]) Len() int { return len(s.items) }

// Total returns the sum of all weights.
func (s *SimplexSampler[T]) Total() float64 {
	if len(s.cumulative) == 0 {
		return 0
	}
	return s.cumulative[len(s.cumulative)-1]
}

// Item returns entry i.
func (s *SimplexSampler[T]) Item(i int) T { return s.items[i] }

// Draw returns the index of a weighted random entry, or -1 when empty.
func (s *SimplexSampler[T]) Draw(rng RandomSource) int {
	if len(s.items) == 0 {
		return -1
	}
	r := rng.Float64() * s.Total()
	i := sort.Search(len(s.cumulative), func(i int) bool { return s.cumulative[i] > r })
	if i == len(s.cumulative) {
		i--
	}
	return i
}

// ProbabilityOf returns the selection probability of entry i.
func (s *SimplexSampler[T]) ProbabilityOf(i int) float64 {
	if i < 0 || i >= len(s.items) {
		return 0
	}
	w := s.cumulative[i]
	if i > 0 {
		w -= s.cumulative[i-1]
	}
	return w / s.Total()
}

// IndexOf returns the first entry equal to item, or -1.
func (s *SimplexSampler[T]) IndexOf(item T) int {
	for i, it := range s.items {
		if it == item {
			return i
		}
	}
	return -1
}
