package gosmpls

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDGeneratorSequence(t *testing.T) {
	gen := CreateIDGenerator("session", 0)
	for want := 1; want <= 5; want++ {
		got, err := gen.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 5, gen.Last())

	gen.Reset()
	got, err := gen.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestIDGeneratorOverflow(t *testing.T) {
	gen := CreateIDGenerator("event", 2)
	_, err := gen.Next()
	require.NoError(t, err)
	_, err = gen.Next()
	require.NoError(t, err)

	_, err = gen.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIDSpaceExhausted))

	// exhaustion does not wrap around
	_, err = gen.Next()
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)
	assert.Equal(t, 2, gen.Last())
}

func TestIDGeneratorConcurrentUnique(t *testing.T) {
	gen := CreateIDGenerator("concurrent", 0)
	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id, err := gen.Next()
				if err != nil {
					return
				}
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}
