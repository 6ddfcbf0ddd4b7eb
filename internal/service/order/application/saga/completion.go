package saga

import (
	"github.com/rs/zerolog/log"
)

// CompletionStep 是链尾: 所有阶段确认后让 worker 停下并完成订单。
type CompletionStep struct {
	NextHandler
}

func (h *CompletionStep) Handle(orderCtx *OrderContext) error {
	ctx, span := orderCtx.Tracer.Start(orderCtx.Ctx, "saga.Complete")
	defer span.End()

	if err := orderCtx.StopWorker(ctx); err != nil {
		span.RecordError(err)
		log.Printf("ERROR: [Order: %s] Failed to stop worker after last phase: %v", orderCtx.Order.ID, err)
	}

	result := map[string]any{
		"delivered":    true,
		"item_variant": orderCtx.Order.ItemVariant,
	}
	if _, _, err := orderCtx.Machine.MarkDone(orderCtx.Order.ID, result); err != nil {
		span.RecordError(err)
		return err
	}
	span.AddEvent("order completed")
	return h.executeNext(orderCtx)
}
