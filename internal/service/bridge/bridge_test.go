package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/service/order/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	pulses []domain.ConfirmationPulse
	err    error
}

func (s *recordingSink) Produce(_ context.Context, p domain.ConfirmationPulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.pulses = append(s.pulses, p)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pulses)
}

func TestPressDebounce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(sink, "button-1", 300*time.Millisecond, clock)
	ctx := context.Background()

	assert.True(t, b.Press(ctx))
	clock.Advance(100 * time.Millisecond)
	assert.False(t, b.Press(ctx))
	clock.Advance(250 * time.Millisecond)
	assert.True(t, b.Press(ctx))

	require.Equal(t, 2, sink.count())
	assert.Equal(t, "button-1", sink.pulses[0].Source)
}

func TestPressSinkFailure(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	b := New(sink, "button-1", 0, clockwork.NewFakeClock())
	assert.False(t, b.Press(context.Background()))
}

func TestRunReadsLines(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &recordingSink{}
	b := New(sink, "button-1", 300*time.Millisecond, clock)

	// 时钟不动，第二次 r 落在去抖窗口内; q 之后的输入不再处理
	err := b.Run(context.Background(), strings.NewReader("r\nr\nhello\nq\nr\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())
}

func TestRunStopsAtEOF(t *testing.T) {
	sink := &recordingSink{}
	b := New(sink, "button-1", 0, clockwork.NewFakeClock())
	require.NoError(t, b.Run(context.Background(), strings.NewReader("\n")))
	assert.Equal(t, 1, sink.count())
}

func TestHTTPSink(t *testing.T) {
	var got domain.ConfirmationPulse
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/confirmations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"accepted":true}`))
	}))
	defer srv.Close()

	sink := &HTTPSink{Client: httpclient.NewClient(noop.NewTracerProvider().Tracer("test")), GatewayURL: srv.URL + "/"}
	pressed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Produce(context.Background(), domain.ConfirmationPulse{Source: "button-1", At: pressed}))
	assert.Equal(t, "button-1", got.Source)
	assert.True(t, pressed.Equal(got.At))
}
