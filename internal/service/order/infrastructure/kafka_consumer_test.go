package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/service/order/domain"
)

type chanReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed int
	closed    bool
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed += len(msgs)
	return nil
}

func (r *chanReader) Close() error {
	r.closed = true
	return nil
}

func (r *chanReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committed
}

type pulseRecorder struct {
	mu     sync.Mutex
	pulses []domain.ConfirmationPulse
}

func (p *pulseRecorder) Pulse(pulse domain.ConfirmationPulse) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulses = append(p.pulses, pulse)
	return true
}

func (p *pulseRecorder) sources() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.pulses))
	for _, pl := range p.pulses {
		out = append(out, pl.Source)
	}
	return out
}

func pulseMessage(t *testing.T, source string, at time.Time) kafka.Message {
	b, err := json.Marshal(domain.ConfirmationPulse{Source: source, At: at})
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestConfirmationConsumerFeedsGate(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	reader := &chanReader{msgs: make(chan kafka.Message, 6)}
	gate := &pulseRecorder{}
	consumer := NewConfirmationConsumerAdapter(reader, gate, clk, 10*time.Second)

	reader.msgs <- pulseMessage(t, "button-1", clk.Now().Add(-time.Second))
	reader.msgs <- pulseMessage(t, "stale", clk.Now().Add(-time.Minute))
	reader.msgs <- kafka.Message{Value: []byte("{not json")}
	reader.msgs <- pulseMessage(t, "future", clk.Now().Add(time.Minute))
	reader.msgs <- pulseMessage(t, "skewed", clk.Now().Add(2*time.Second))
	reader.msgs <- pulseMessage(t, "button-2", clk.Now())

	consumer.Start(context.Background())
	assert.Eventually(t, func() bool { return reader.commits() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"button-1", "skewed", "button-2"}, gate.sources())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, consumer.Stop(ctx))
	assert.True(t, reader.closed)
}
