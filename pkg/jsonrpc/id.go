package jsonrpc

import "sync/atomic"

// MaxSafeID is the largest id that survives a round trip through an IEEE 754
// double, which is how several node implementations decode JSON numbers.
const MaxSafeID uint64 = 1<<53 - 1

type IDSource interface {
	NextID() uint64
}

// Sequence hands out ids 1, 2, ... max and then wraps back to 1.
type Sequence struct {
	max  uint64
	last atomic.Uint64
}

func NewSequence(max uint64) *Sequence {
	if max == 0 || max > MaxSafeID {
		max = MaxSafeID
	}
	return &Sequence{max: max}
}

func (s *Sequence) NextID() uint64 {
	for {
		prev := s.last.Load()
		next := prev + 1
		if next > s.max {
			next = 1
		}
		if s.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}
