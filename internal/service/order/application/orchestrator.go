package application

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/order/application/saga"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

const (
	reasonCanceledBeforeStart = "canceled before start"
	reasonCanceled            = "canceled by request"
	reasonShutdown            = "order aborted: service shutting down"
)

// OrchestratorConfig 运行循环的参数
type OrchestratorConfig struct {
	QueueSize   int
	GateTimeout time.Duration
	StopTimeout time.Duration
}

// Orchestrator 是串行的运行循环: 一次只处理一个订单，从头到尾。
// worker 连接和确认门在一个订单的生命周期内归它独占。
type Orchestrator struct {
	machine  *domain.StateMachine
	executor port.TaskExecutor
	gate     saga.Gate
	tracer   trace.Tracer
	clock    clockwork.Clock
	cfg      OrchestratorConfig
	chain    saga.Handler

	queue chan string

	mu              sync.Mutex
	current         string
	cancelCh        chan struct{}
	cancelRequested bool
}

// NewOrchestrator 创建运行循环，阶段责任链在这里一次性构建。
func NewOrchestrator(machine *domain.StateMachine, executor port.TaskExecutor, gate saga.Gate, tracer trace.Tracer, clock clockwork.Clock, cfg OrchestratorConfig) *Orchestrator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		machine:  machine,
		executor: executor,
		gate:     gate,
		tracer:   tracer,
		clock:    clock,
		cfg:      cfg,
		chain:    saga.BuildChain(machine.Plan()),
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Enqueue 把订单放入工作队列，队列满时立即返回 ErrQueueFull。
func (o *Orchestrator) Enqueue(orderID string) error {
	select {
	case o.queue <- orderID:
		metrics.QueueDepth.Set(float64(len(o.queue)))
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Cancel 请求取消订单。
// 未开始的订单直接置为 CANCELED；进行中的订单只设置取消标记，
// 由运行循环在下一个阶段边界或确认等待中观察到。
func (o *Orchestrator) Cancel(orderID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap, err := o.machine.Registry().Get(orderID)
	if err != nil {
		return false, err
	}
	if snap.IsTerminal() {
		return false, nil
	}
	if o.current == orderID {
		if !o.cancelRequested {
			o.cancelRequested = true
			close(o.cancelCh)
		}
		return true, nil
	}
	_, applied, err := o.machine.MarkCanceled(orderID, reasonCanceledBeforeStart)
	if applied {
		metrics.OrdersFinished.WithLabelValues(string(domain.PhaseCanceled)).Inc()
	}
	return applied, err
}

// Current 返回正在处理的订单 ID。
func (o *Orchestrator) Current() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) QueueLen() int { return len(o.queue) }

// Run 是一个长期运行的方法，直到 ctx 结束。
// 退出时正在处理的订单以及仍在排队的订单都会被置为 ERROR。
func (o *Orchestrator) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Int("queue_size", o.cfg.QueueSize).Msg("✅ Orchestrator run loop started.")
	for {
		if ctx.Err() != nil {
			o.drain(ctx)
			return nil
		}
		select {
		case <-ctx.Done():
			o.drain(ctx)
			return nil
		case id := <-o.queue:
			metrics.QueueDepth.Set(float64(len(o.queue)))
			o.process(ctx, id)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, orderID string) {
	order, ok := o.claim(orderID)
	if !ok {
		logger.Ctx(ctx).Info().Str("order_id", orderID).Msg("Skipping order that finished while queued.")
		return
	}
	defer o.release()

	ctx, span := o.tracer.Start(ctx, "orchestrator.ProcessOrder", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.item_variant", order.ItemVariant),
	))
	defer span.End()
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("item_variant", order.ItemVariant).Msg("Order claimed by orchestrator.")

	orderCtx := &saga.OrderContext{
		Ctx:         ctx,
		Order:       order,
		Tracer:      o.tracer,
		Clock:       o.clock,
		Machine:     o.machine,
		Executor:    o.executor,
		Gate:        o.gate,
		GateTimeout: o.cfg.GateTimeout,
		Cancel:      o.cancelSignal(),
	}

	err := o.chain.Handle(orderCtx)
	if err == nil {
		metrics.OrdersFinished.WithLabelValues(string(domain.PhaseDone)).Inc()
		logger.Ctx(ctx).Info().Str("order_id", orderID).Msg("✅ Order completed.")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "order did not complete")

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
	orderCtx.TriggerCompensation(compCtx)
	cancel()

	o.finish(ctx, orderID, err)
}

// finish 把链上返回的错误转换为终态，单个订单的失败从不影响运行循环。
func (o *Orchestrator) finish(ctx context.Context, orderID string, err error) {
	var (
		reason string
		phase  = domain.PhaseError
	)
	switch {
	case errors.Is(err, saga.ErrOrderCanceled):
		phase = domain.PhaseCanceled
	case errors.Is(err, domain.ErrTimedOut):
		reason = "timed out waiting for confirmation: " + err.Error()
	case errors.Is(err, domain.ErrConnection):
		reason = err.Error()
	case ctx.Err() != nil:
		reason = reasonShutdown
	case errors.Is(err, domain.ErrInvalidTransition):
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Msg("BUG: invalid state transition in orchestrator")
		reason = "internal error: " + err.Error()
	default:
		reason = err.Error()
	}

	var applied bool
	if phase == domain.PhaseCanceled {
		_, applied, err = o.machine.MarkCanceled(orderID, reasonCanceled)
	} else {
		_, applied, err = o.machine.MarkError(orderID, reason)
	}
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Msg("failed to record terminal state")
		return
	}
	if applied {
		metrics.OrdersFinished.WithLabelValues(string(phase)).Inc()
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("phase", string(phase)).Str("reason", reason).Msg("🛑 Order stopped.")
}

func (o *Orchestrator) claim(orderID string) (domain.Order, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap, err := o.machine.Registry().Get(orderID)
	if err != nil || snap.IsTerminal() {
		return domain.Order{}, false
	}
	o.current = orderID
	o.cancelCh = make(chan struct{})
	o.cancelRequested = false
	return snap, true
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = ""
	o.cancelCh = nil
	o.cancelRequested = false
}

func (o *Orchestrator) cancelSignal() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelCh
}

func (o *Orchestrator) drain(ctx context.Context) {
	for {
		select {
		case id := <-o.queue:
			if _, applied, _ := o.machine.MarkError(id, reasonShutdown); applied {
				metrics.OrdersFinished.WithLabelValues(string(domain.PhaseError)).Inc()
			}
		default:
			metrics.QueueDepth.Set(0)
			logger.Ctx(ctx).Info().Msg("🛑 Orchestrator run loop stopped.")
			return
		}
	}
}
