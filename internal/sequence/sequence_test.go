package sequence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidy/internal/ports"
)

var (
	_ ports.SequenceSeeder = (*Memory)(nil)
	_ ports.SequenceSeeder = (*Redis)(nil)
)

func TestMemoryIsPerYear(t *testing.T) {
	ctx := context.Background()
	seq := NewMemory()

	n, err := seq.Next(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, _ = seq.Next(ctx, 2024)
	assert.Equal(t, int64(2), n)

	n, _ = seq.Next(ctx, 2025)
	assert.Equal(t, int64(1), n, "each year starts over")
}

func TestMemorySeedNeverLowers(t *testing.T) {
	seq := NewMemory()
	require.NoError(t, seq.Seed(context.Background(), 2024, 41))
	require.NoError(t, seq.Seed(context.Background(), 2024, 3))

	n, err := seq.Next(context.Background(), 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestMemoryConcurrentNumbersAreUnique(t *testing.T) {
	seq := NewMemory()
	const workers = 50
	got := make(chan int64, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := seq.Next(context.Background(), 2024)
			if err == nil {
				got <- n
			}
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[int64]bool)
	for n := range got {
		assert.False(t, seen[n], "duplicate %d", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "subsidy:code-seq:2024", Key(2024))
}
