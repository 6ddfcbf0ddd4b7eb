// internal/service/order/domain/order.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Order 是订单聚合的根实体
type Order struct {
	ID          string            `json:"id"`
	ItemVariant string            `json:"item_variant"`
	Phase       Phase             `json:"phase"`
	Message     string            `json:"message"`
	Progress    float64           `json:"progress"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`

	// Seq 是最近一次发布的事件序号
	Seq uint64 `json:"seq"`
}

// NewOrder 用于创建一个处于 WAITING 的新订单实例
func NewOrder(variant string, metadata map[string]string, now time.Time) *Order {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Order{
		ID:          uuid.New().String(),
		ItemVariant: variant,
		Phase:       PhaseWaiting,
		Message:     "order accepted",
		Metadata:    md,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal 订单是否已经结束
func (o *Order) IsTerminal() bool {
	return o.Phase.IsTerminal()
}

// FinalEvent 从已结束订单的快照还原它发布过的最后一个事件，未结束时返回 false。
func (o *Order) FinalEvent() (Event, bool) {
	ev := Event{OrderID: o.ID, Seq: o.Seq, Phase: o.Phase, Progress: o.Progress, Timestamp: o.UpdatedAt}
	switch o.Phase {
	case PhaseDone:
		ev.Type = EventCompleted
		ev.Result = o.Result
	case PhaseError:
		ev.Type = EventError
		ev.Message = o.ErrorDetail
	case PhaseCanceled:
		ev.Type = EventStatusUpdate
		ev.Message = o.Message
	default:
		return Event{}, false
	}
	return ev, true
}

// Clone 返回一个不与内部状态共享 map 的副本，供读取方使用。
func (o *Order) Clone() Order {
	c := *o
	if o.Metadata != nil {
		c.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			c.Metadata[k] = v
		}
	}
	if o.Result != nil {
		c.Result = make(map[string]any, len(o.Result))
		for k, v := range o.Result {
			c.Result[k] = v
		}
	}
	return c
}

// enter 进入一个新的阶段，并返回对应的事件序号
func (o *Order) enter(phase Phase, message string, progress float64, now time.Time) uint64 {
	o.Phase = phase
	o.Message = message
	o.Progress = progress
	o.UpdatedAt = now
	o.Seq++
	return o.Seq
}
