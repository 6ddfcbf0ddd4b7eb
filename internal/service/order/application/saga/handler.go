package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"fulfillment/internal/service/order/application/gate"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// ErrOrderCanceled 表示在阶段边界或等待确认时观察到了取消请求。
var ErrOrderCanceled = errors.New("order canceled")

// Gate 是确认门的等待能力
type Gate interface {
	Await(ctx context.Context, cancel <-chan struct{}, timeout time.Duration) (gate.Outcome, error)
}

// OrderContext 在一个订单的阶段流程中传递上下文数据。
// 外部依赖都是抽象接口，同一时间只有一个订单持有它们。
type OrderContext struct {
	Ctx    context.Context
	Order  domain.Order
	Tracer trace.Tracer
	Clock  clockwork.Clock

	Machine     *domain.StateMachine
	Executor    port.TaskExecutor
	Gate        Gate
	GateTimeout time.Duration

	// Cancel 在订单被请求取消时关闭
	Cancel <-chan struct{}

	compensations []func(ctx context.Context)
	compLock      sync.Mutex
	stopAdded     bool
}

// AddCompensation 注册一个失败时执行的补偿操作，后注册的先执行。
func (c *OrderContext) AddCompensation(comp func(ctx context.Context)) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context){comp}, c.compensations...)
}

// TriggerCompensation 依次执行所有补偿操作
func (c *OrderContext) TriggerCompensation(ctx context.Context) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	log.Printf("INFO: [Order: %s] Executing %d compensation functions.", c.Order.ID, len(c.compensations))
	for _, comp := range c.compensations {
		comp(ctx)
	}
	c.compensations = nil
}

// CancelRequested 非阻塞地检查取消标记。
func (c *OrderContext) CancelRequested() bool {
	select {
	case <-c.Cancel:
		return true
	default:
		return false
	}
}

// StopWorker 在执行器支持时让 worker 停止当前动作
func (c *OrderContext) StopWorker(ctx context.Context) error {
	stopper, ok := c.Executor.(port.PhaseStopper)
	if !ok {
		return nil
	}
	return stopper.StopPhase(ctx, c.Order.ID)
}

type Handler interface {
	SetNext(handler Handler) Handler
	Handle(orderCtx *OrderContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(orderCtx *OrderContext) error {
	if h.next != nil {
		return h.next.Handle(orderCtx)
	}
	return nil
}

// BuildChain 按阶段计划构建责任链: 每个阶段一个 PhaseStep，最后是 CompletionStep。
func BuildChain(plan *domain.PhasePlan) Handler {
	head := Handler(NewPhaseStep(plan, 0))
	tail := head
	for i := 1; i < plan.Len(); i++ {
		tail = tail.SetNext(NewPhaseStep(plan, i))
	}
	tail.SetNext(new(CompletionStep))
	return head
}
