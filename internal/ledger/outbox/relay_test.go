package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"subsidy/internal/domain"
	"subsidy/internal/ledger"
	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	"subsidy/pkg/platform/circuit"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	failFor map[string]bool
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.mu.Lock()
	defer p.mu.Unlock()
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if p.failFor[string(r.Key)] {
			results = append(results, kgo.ProduceResult{Record: r, Err: errors.New("broker unavailable")})
			continue
		}
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r})
	}
	return results
}

func appendEvents(t *testing.T, mem *storage.Memory, processID id.ProcessID, n int) {
	t.Helper()
	w := ledger.NewWriter(mem.Stores())
	for range n {
		_, err := w.Event(context.Background(), ledger.Entry{ProcessID: processID, Kind: domain.EventEdit})
		require.NoError(t, err)
	}
}

func TestRelayOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes keyed records and marks them", func(t *testing.T) {
		mem := storage.NewMemory()
		processID := id.NewProcessID()
		appendEvents(t, mem, processID, 3)
		producer := &fakeProducer{}

		relay := New(mem, producer, "subsidy.audit", WithBatchSize(2))
		n, err := relay.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = relay.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = relay.RelayOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		require.Len(t, producer.records, 3)
		rec := producer.records[0]
		assert.Equal(t, processID.String(), string(rec.Key))
		assert.Equal(t, "subsidy.audit", rec.Topic)

		var ev domain.AuditEvent
		require.NoError(t, json.Unmarshal(rec.Value, &ev))
		assert.Equal(t, domain.EventEdit, ev.Kind)
		got, ok := eventIDOf(rec)
		require.True(t, ok)
		assert.Equal(t, ev.ID, got)
	})

	t.Run("failed records stay in the outbox", func(t *testing.T) {
		mem := storage.NewMemory()
		good, bad := id.NewProcessID(), id.NewProcessID()
		appendEvents(t, mem, good, 1)
		appendEvents(t, mem, bad, 1)
		producer := &fakeProducer{failFor: map[string]bool{bad.String(): true}}

		relay := New(mem, producer, "subsidy.audit")
		n, err := relay.RelayOnce(ctx)
		require.Error(t, err)
		assert.Equal(t, 1, n)

		pending, err := mem.Unpublished(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, bad, pending[0].ProcessID)
	})
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	mem := storage.NewMemory()
	appendEvents(t, mem, id.NewProcessID(), 1)
	producer := &fakeProducer{}
	relay := New(mem, producer, "subsidy.audit", WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		producer.mu.Lock()
		defer producer.mu.Unlock()
		return len(producer.records) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelayBreakerSlowsPolling(t *testing.T) {
	ctx := context.Background()
	relay := New(storage.NewMemory(), &fakeProducer{}, "subsidy.audit",
		WithInterval(time.Second),
		WithBatchSize(10),
		WithBreaker(circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithSuccessThreshold(1)), time.Minute),
	)
	boom := errors.New("broker unavailable")

	assert.Equal(t, time.Second, relay.nextWait(ctx, 0, boom))
	assert.Equal(t, time.Minute, relay.nextWait(ctx, 0, boom), "second failure opens the breaker")
	assert.Equal(t, time.Minute, relay.nextWait(ctx, 0, boom))

	assert.Equal(t, time.Duration(0), relay.nextWait(ctx, 10, nil), "a full batch after recovery polls again at once")
	assert.Equal(t, time.Second, relay.nextWait(ctx, 3, nil))
}
