// internal/service/order/application/service.go
package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/notification"
	"fulfillment/internal/service/order/domain"
)

// Confirmer 接收按钮脉冲
type Confirmer interface {
	Pulse(p domain.ConfirmationPulse) bool
}

// OrderApplicationService 是网关背后的用例层: 只做请求/响应和订阅，
// 所有有状态的工作都委托给状态机、运行循环和广播器。
type OrderApplicationService struct {
	machine      *domain.StateMachine
	orchestrator *Orchestrator
	confirmer    Confirmer
	hub          *notification.Hub
	snapshots    []domain.OrderRepository
	tracer       trace.Tracer
}

// NewOrderApplicationService snapshots 是按顺序查询的进程外快照仓储，可以为空。
func NewOrderApplicationService(machine *domain.StateMachine, orchestrator *Orchestrator, confirmer Confirmer, hub *notification.Hub, tracer trace.Tracer, snapshots ...domain.OrderRepository) *OrderApplicationService {
	return &OrderApplicationService{
		machine:      machine,
		orchestrator: orchestrator,
		confirmer:    confirmer,
		hub:          hub,
		snapshots:    snapshots,
		tracer:       tracer,
	}
}

// CreateOrder 校验商品规格、创建订单并放入工作队列。
func (s *OrderApplicationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateOrder")
	defer span.End()

	variant := req.Variant()
	span.SetAttributes(attribute.String("order.item_variant", variant))

	order, err := s.machine.Create(variant, req.Metadata)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order rejected")
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	if err := s.orchestrator.Enqueue(order.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("ERROR: order could not be queued")
		// 入队失败前订单可能已被取消，此时保留原终态
		if _, applied, merr := s.machine.MarkError(order.ID, err.Error()); merr != nil {
			logger.Ctx(ctx).Error().Err(merr).Str("order_id", order.ID).Msg("ERROR: could not fail unqueued order")
		} else if applied {
			metrics.OrdersFinished.WithLabelValues(string(domain.PhaseError)).Inc()
		}
		return nil, err
	}

	metrics.OrdersCreated.WithLabelValues(variant).Inc()
	logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("item_variant", variant).Msg("Order accepted and queued.")
	return &CreateOrderResponse{RequestID: order.ID, Phase: order.Phase}, nil
}

// CancelOrder 对已结束的订单返回 false，未知订单返回 ErrNotFound。
func (s *OrderApplicationService) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "app.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	canceled, err := s.orchestrator.Cancel(orderID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("order.canceled", canceled))
	logger.Ctx(ctx).Info().Str("order_id", orderID).Bool("canceled", canceled).Msg("Cancel requested.")
	return canceled, nil
}

// GetOrder 先查注册表，进程内没有时再查快照仓储。
func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if order, err := s.machine.Registry().Get(orderID); err == nil {
		return &order, nil
	}
	for _, repo := range s.snapshots {
		order, err := repo.FindByID(ctx, orderID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Msg("snapshot lookup failed")
		}
	}
	return nil, domain.ErrNotFound
}

// ListOrders 默认只列出未结束的订单。
func (s *OrderApplicationService) ListOrders(all bool) []domain.Order {
	if all {
		return s.machine.Registry().List()
	}
	return s.machine.Registry().ListActive()
}

// Confirm 把一次按钮脉冲交给确认门。
func (s *OrderApplicationService) Confirm(ctx context.Context, req *ConfirmationRequest) bool {
	accepted := s.confirmer.Pulse(req.ToPulse())
	logger.Ctx(ctx).Debug().Str("source", req.Source).Bool("accepted", accepted).Msg("confirmation pulse")
	return accepted
}

// Subscribe 订阅事件流，orderID 为空时接收所有订单。
func (s *OrderApplicationService) Subscribe(buffer int, orderID string) *notification.Subscription {
	return s.hub.Subscribe(buffer, orderID)
}
