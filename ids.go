package gosmpls

// ids.go holds the generators used to hand out identifiers for
// signaling sessions, simulation events and topology elements.

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
)

// ErrIDSpaceExhausted is returned once a generator has handed out
// every identifier in its range.  The condition is sticky until Reset.
var ErrIDSpaceExhausted = errors.New("identifier space exhausted")

// IDGenerator produces increasing integer identifiers in [1, limit].
// It is safe for concurrent use; the counter never wraps.
type IDGenerator struct {
	name  string
	limit int64
	last  atomic.Int64
}

// CreateIDGenerator is a constructor.  A limit <= 0 selects the
// largest value an int can hold.
func CreateIDGenerator(name string, limit int64) *IDGenerator {
	if limit <= 0 {
		limit = math.MaxInt
	}
	return &IDGenerator{name: name, limit: limit}
}

// Next returns the next identifier, or an error wrapping ErrIDSpaceExhausted
func (gen *IDGenerator) Next() (int, error) {
	for {
		cur := gen.last.Load()
		if cur >= gen.limit {
			return 0, fmt.Errorf("%s generator at %d: %w", gen.name, cur, ErrIDSpaceExhausted)
		}
		if gen.last.CompareAndSwap(cur, cur+1) {
			return int(cur + 1), nil
		}
	}
}

// Last reports the most recently issued identifier, 0 if none
func (gen *IDGenerator) Last() int {
	return int(gen.last.Load())
}

// Reset puts the generator back to its initial state, as on simulation reset
func (gen *IDGenerator) Reset() {
	gen.last.Store(0)
}
