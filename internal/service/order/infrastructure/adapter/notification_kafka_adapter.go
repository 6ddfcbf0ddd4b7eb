package adapter

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// EventWriter 是事件发送需要的 writer 能力，*kafka.Writer 满足它
type EventWriter interface {
	mq.MessageWriter
	io.Closer
}

// NotificationKafkaAdapter 实现了 port.NotificationProducer 接口，
// 把状态机产生的每个事件转发到 Kafka。
type NotificationKafkaAdapter struct {
	writer EventWriter
}

var _ port.NotificationProducer = (*NotificationKafkaAdapter)(nil)

// NewNotificationKafkaAdapter 创建一个新的通知生产者适配器。
// 传入的 *kafka.Writer 应当是异步的，Publish 在状态机的锁内被调用。
func NewNotificationKafkaAdapter(writer EventWriter) *NotificationKafkaAdapter {
	if w, ok := writer.(*kafka.Writer); ok && w.Completion == nil {
		w.Completion = func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("count", len(messages)).Msg("failed to deliver order events")
			}
		}
	}
	return &NotificationKafkaAdapter{writer: writer}
}

// Publish 序列化事件并发送，失败只记录日志
func (a *NotificationKafkaAdapter) Publish(event domain.Event) {
	value, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("order_id", event.OrderID).Msg("failed to marshal order event")
		return
	}
	// 调用通用的 mq.ProduceMessage，它会自动处理追踪上下文注入
	if err := mq.ProduceMessage(context.Background(), a.writer, []byte(event.OrderID), value); err != nil {
		log.Error().Err(err).Str("order_id", event.OrderID).Uint64("seq", event.Seq).Msg("failed to produce order event")
	}
}

// Close 关闭底层的Kafka writer。
func (a *NotificationKafkaAdapter) Close() error {
	return a.writer.Close()
}
