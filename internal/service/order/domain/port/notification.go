package port

import (
	"fulfillment/internal/service/order/domain"
)

// NotificationProducer 把订单事件转发到进程外 (例如 Kafka)。
// Publish 不能阻塞调用方，发送失败只记录日志。
type NotificationProducer interface {
	domain.Publisher
	Close() error
}

// Publishers 把同一个事件依次交给多个发布者。
type Publishers []domain.Publisher

func (ps Publishers) Publish(event domain.Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(event)
		}
	}
}
