package saga

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/order/application/gate"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// PhaseStep 负责一个物理阶段: 推进状态机、下发指令、等待按钮确认。
type PhaseStep struct {
	NextHandler
	plan  *domain.PhasePlan
	index int
}

func NewPhaseStep(plan *domain.PhasePlan, index int) *PhaseStep {
	return &PhaseStep{plan: plan, index: index}
}

func (h *PhaseStep) Handle(orderCtx *OrderContext) error {
	def := h.plan.At(h.index)
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Phase."+string(def.Phase))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderCtx.Order.ID),
		attribute.String("phase.label", def.Label),
		attribute.Int("phase.index", h.index),
	)

	// 1. 阶段边界检查取消
	if orderCtx.CancelRequested() {
		span.AddEvent("cancel observed at phase boundary")
		return ErrOrderCanceled
	}

	// 2. 渲染指令并推进状态机
	instruction, err := h.plan.Render(h.index, orderCtx.Order)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "render instruction failed")
		return err
	}
	if _, err := orderCtx.Machine.Transition(orderCtx.Order.ID, def.Phase, instruction, h.plan.Progress(h.index)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "state transition rejected")
		return err
	}
	started := orderCtx.Clock.Now()
	log.Printf("INFO: [Order: %s] Entering %s (%s): %s", orderCtx.Order.ID, def.Phase, def.Label, instruction)

	// 3. 下发指令。无论成败都要在失败时让 worker 停下
	if !orderCtx.stopAdded {
		orderCtx.stopAdded = true
		orderCtx.AddCompensation(func(compCtx context.Context) {
			compCtx, compSpan := orderCtx.Tracer.Start(compCtx, "saga.compensation.StopWorker")
			defer compSpan.End()
			if err := orderCtx.StopWorker(compCtx); err != nil {
				compSpan.RecordError(err)
				log.Printf("ERROR: [Order: %s] Failed to stop worker: %v", orderCtx.Order.ID, err)
			}
		})
	}
	cmd := port.PhaseCommand{OrderID: orderCtx.Order.ID, Phase: def.Phase, Instruction: instruction}
	if err := orderCtx.Executor.RunPhase(ctx, cmd); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run_phase failed")
		return err
	}
	span.AddEvent("worker accepted phase command")

	// 4. 需要确认的阶段等待按钮
	if def.RequiresConfirmation {
		outcome, err := awaitConfirmation(ctx, orderCtx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "confirmation wait aborted")
			return err
		}
		span.SetAttributes(attribute.String("gate.outcome", outcome.String()))
		switch outcome {
		case gate.Canceled:
			return ErrOrderCanceled
		case gate.TimedOut:
			return errors.Wrapf(domain.ErrTimedOut, "no confirmation for %s within %s", def.Phase, orderCtx.GateTimeout)
		}
	}
	metrics.PhaseDuration.WithLabelValues(string(def.Phase)).Observe(orderCtx.Clock.Since(started).Seconds())

	return h.executeNext(orderCtx)
}

// awaitConfirmation 等待确认门，同时监视执行器连接: 连接断开会中止等待并报告连接错误。
func awaitConfirmation(ctx context.Context, orderCtx *OrderContext) (gate.Outcome, error) {
	gateCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lost <-chan struct{}
	if mon, ok := orderCtx.Executor.(port.ConnectionMonitor); ok {
		lost = mon.Lost()
	}
	if lost != nil {
		go func() {
			select {
			case <-lost:
				cancel()
			case <-gateCtx.Done():
			}
		}()
	}

	outcome, err := orderCtx.Gate.Await(gateCtx, orderCtx.Cancel, orderCtx.GateTimeout)
	if err != nil {
		if isClosed(lost) && ctx.Err() == nil {
			return 0, errors.Wrap(domain.ErrConnection, "connection lost while waiting for confirmation")
		}
		return 0, err
	}
	return outcome, nil
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
