// internal/service/order/application/dto.go
package application

import (
	"time"

	"fulfillment/internal/service/order/domain"
)

// CreateOrderRequest 是创建订单用例的输入数据
type CreateOrderRequest struct {
	ItemVariant string            `json:"item_variant"`
	Flavor      string            `json:"flavor,omitempty"` // item_variant 的别名，兼容旧客户端
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Variant 返回请求的商品规格，item_variant 优先。
func (r *CreateOrderRequest) Variant() string {
	if r.ItemVariant != "" {
		return r.ItemVariant
	}
	return r.Flavor
}

// CreateOrderResponse 是创建订单用例的输出数据
type CreateOrderResponse struct {
	RequestID string       `json:"request_id"`
	Phase     domain.Phase `json:"phase"`
}

type CancelOrderResponse struct {
	Canceled bool `json:"canceled"`
}

// ConfirmationRequest 是一次手动或桥接过来的按钮脉冲
type ConfirmationRequest struct {
	Source    string    `json:"source"`
	PressedAt time.Time `json:"pressed_at"`
}

func (r *ConfirmationRequest) ToPulse() domain.ConfirmationPulse {
	return domain.ConfirmationPulse{Source: r.Source, At: r.PressedAt}
}

type ConfirmationResponse struct {
	Accepted bool `json:"accepted"`
}
