// internal/service/order/domain/event.go
package domain

import (
	"encoding/json"
	"time"
)

// EventType 通知事件的类型
type EventType string

const (
	EventStatusUpdate EventType = "status_update"
	EventCompleted    EventType = "completed"
	EventError        EventType = "error"
)

// Event 是状态机每次成功变更后产生的通知记录。
// 序列化时按类型输出三种形状之一，见 MarshalJSON。
type Event struct {
	Type      EventType      `json:"type"`
	OrderID   string         `json:"order_id"`
	Seq       uint64         `json:"seq"`
	Phase     Phase          `json:"phase,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// IsTerminal completed、error 以及进入终态的 status_update 都是订单的最后一个事件。
func (e Event) IsTerminal() bool {
	return e.Type == EventCompleted || e.Type == EventError || e.Phase.IsTerminal()
}

type statusUpdatePayload struct {
	Type     EventType `json:"type"`
	OrderID  string    `json:"order_id"`
	Seq      uint64    `json:"seq"`
	Phase    Phase     `json:"phase"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message"`
	TS       string    `json:"ts"`
}

type completedPayload struct {
	Type    EventType      `json:"type"`
	OrderID string         `json:"order_id"`
	Seq     uint64         `json:"seq"`
	Result  map[string]any `json:"result"`
	TS      string         `json:"ts"`
}

type errorPayload struct {
	Type    EventType `json:"type"`
	OrderID string    `json:"order_id"`
	Seq     uint64    `json:"seq"`
	Message string    `json:"message"`
	TS      string    `json:"ts"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	ts := e.Timestamp.UTC().Format(time.RFC3339Nano)
	switch e.Type {
	case EventCompleted:
		return json.Marshal(completedPayload{e.Type, e.OrderID, e.Seq, e.Result, ts})
	case EventError:
		return json.Marshal(errorPayload{e.Type, e.OrderID, e.Seq, e.Message, ts})
	default:
		return json.Marshal(statusUpdatePayload{e.Type, e.OrderID, e.Seq, e.Phase, e.Progress, e.Message, ts})
	}
}

// ConfirmationPulse 是物理按钮产生的一次原始信号
type ConfirmationPulse struct {
	Source string    `json:"source"`
	At     time.Time `json:"pressed_at"`
}
