//go:build integration

package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"subsidy/internal/storage"
	id "subsidy/pkg/domain"
	"subsidy/pkg/testutil/containers"
)

func TestRelayAgainstRedpanda(t *testing.T) {
	rp := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const topic = "subsidy.audit.test"
	producer, err := NewClient(rp.Brokers, topic)
	require.NoError(t, err)
	defer producer.Close()
	require.NoError(t, EnsureTopic(ctx, producer, topic, 1, 1))
	require.NoError(t, EnsureTopic(ctx, producer, topic, 1, 1), "second call is a no-op")

	mem := storage.NewMemory()
	processID := id.NewProcessID()
	appendEvents(t, mem, processID, 2)

	n, err := New(mem, producer, topic).RelayOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var got []*kgo.Record
	for len(got) < 2 {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err())
		fetches.EachRecord(func(r *kgo.Record) { got = append(got, r) })
	}
	assert.Equal(t, processID.String(), string(got[0].Key))
}
