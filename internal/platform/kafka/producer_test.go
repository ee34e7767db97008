package kafka

import (
	"context"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutMessagesIsNoop(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"})
	require.NoError(t, p.Publish(context.Background(), "ledger.events"))
	require.Empty(t, p.writers)
}

func TestWriterIsCachedPerTopic(t *testing.T) {
	p := NewProducer([]string{"k1:9092", "k2:9092"})
	w := p.writer("ledger.events")
	require.Same(t, w, p.writer("ledger.events"))
	require.NotSame(t, w, p.writer("ledger.audit"))

	require.Equal(t, "ledger.events", w.Topic)
	require.Equal(t, kafkago.RequireAll, w.RequiredAcks)
	require.IsType(t, &kafkago.Hash{}, w.Balancer)

	require.NoError(t, p.Close())
	require.Empty(t, p.writers)
}
