package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/service/order/domain"
)

type memoryWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return nil
}

func TestNotificationKafkaAdapterPublish(t *testing.T) {
	w := &memoryWriter{}
	a := NewNotificationKafkaAdapter(w)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.Publish(domain.Event{Type: domain.EventStatusUpdate, OrderID: "o1", Seq: 2, Phase: "PHASE_1", Progress: 0, Message: "go", Timestamp: ts})
	a.Publish(domain.Event{Type: domain.EventCompleted, OrderID: "o1", Seq: 4, Result: map[string]any{"delivered": true}, Timestamp: ts})

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "o1", string(w.msgs[0].Key))

	var first map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &first))
	assert.Equal(t, "status_update", first["type"])
	assert.Equal(t, "PHASE_1", first["phase"])
	assert.EqualValues(t, 2, first["seq"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &second))
	assert.Equal(t, "completed", second["type"])
	assert.Equal(t, map[string]any{"delivered": true}, second["result"])

	require.NoError(t, a.Close())
	assert.True(t, w.closed)
}
