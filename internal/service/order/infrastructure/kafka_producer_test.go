package infrastructure

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/service/order/domain"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestPulseProducerKeysBySource(t *testing.T) {
	w := &captureWriter{}
	pressed := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	require.NoError(t, NewPulseProducerAdapter(w).Produce(context.Background(), domain.ConfirmationPulse{Source: "button-2", At: pressed}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "button-2", string(w.msgs[0].Key))
	var got domain.ConfirmationPulse
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.True(t, pressed.Equal(got.At))
}
