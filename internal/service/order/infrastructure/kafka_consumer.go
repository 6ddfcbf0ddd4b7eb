package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
)

// Pulser 接收按钮信号，返回信号是否被某个等待者接受
type Pulser interface {
	Pulse(p domain.ConfirmationPulse) bool
}

// ConfirmationConsumerAdapter 是一个驱动适配器，它监听按钮信号主题并喂给确认门。
type ConfirmationConsumerAdapter struct {
	reader mq.MessageReader
	gate   Pulser
	clock  clockwork.Clock
	// 按下时间与当前时间相差超过 maxAge 的信号直接丢弃，避免消费积压或时钟偏差时误确认
	maxAge time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConfirmationConsumerAdapter 创建一个新的Kafka消费者适配器。maxAge 为 0 时不检查信号年龄。
func NewConfirmationConsumerAdapter(reader mq.MessageReader, gate Pulser, clock clockwork.Clock, maxAge time.Duration) *ConfirmationConsumerAdapter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConfirmationConsumerAdapter{reader: reader, gate: gate, clock: clock, maxAge: maxAge}
}

// Start 开始监听Kafka主题，直到 ctx 结束或 Stop 被调用。
func (a *ConfirmationConsumerAdapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("✅ Confirmation consumer started.")
		for {
			// 使用FetchMessage而不是ReadMessage，以便更好地控制退出逻辑
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					log.Print("🛑 Confirmation consumer shutting down.")
					return
				}
				log.Printf("ERROR: could not read confirmation pulse: %v. Retrying...", err)
				select {
				case <-ctx.Done():
					return
				case <-a.clock.After(time.Second): // 避免快速失败循环
				}
				continue
			}

			a.processMessage(ctx, msg)

			if err := a.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				log.Printf("ERROR: failed to commit confirmation pulse: %v", err)
			}
		}
	}()
}

// Stop 优雅地停止消费者。
func (a *ConfirmationConsumerAdapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("✅ Confirmation consumer stopped.")
	return a.reader.Close()
}

func (a *ConfirmationConsumerAdapter) processMessage(parentCtx context.Context, msg kafka.Message) {
	ctx := mq.ExtractTraceContext(parentCtx, msg)
	_, span := otel.Tracer("confirmation-consumer").Start(ctx, "ConsumeConfirmationPulse")
	defer span.End()

	var pulse domain.ConfirmationPulse
	if err := json.Unmarshal(msg.Value, &pulse); err != nil {
		span.RecordError(err)
		log.Printf("ERROR: Failed to unmarshal confirmation pulse: %v. Message will be skipped.", err)
		return
	}
	if pulse.At.IsZero() {
		pulse.At = msg.Time
	}
	if a.maxAge > 0 && !pulse.At.IsZero() {
		age := a.clock.Since(pulse.At)
		if age > a.maxAge {
			log.Printf("WARN: dropping stale confirmation pulse from %q pressed at %s", pulse.Source, pulse.At.Format(time.RFC3339))
			return
		}
		if -age > a.maxAge {
			log.Printf("WARN: dropping future-dated confirmation pulse from %q pressed at %s", pulse.Source, pulse.At.Format(time.RFC3339))
			return
		}
	}
	accepted := a.gate.Pulse(pulse)
	log.Debug().Str("source", pulse.Source).Bool("accepted", accepted).Msg("confirmation pulse consumed")
}
