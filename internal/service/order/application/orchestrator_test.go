package application

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

func TestChocolateOrderRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.start()

	id := h.create("chocolate")

	ev := h.next()
	assert.Equal(t, domain.PhaseWaiting, ev.Phase)

	ev = h.next()
	require.Equal(t, domain.Phase("PHASE_1"), ev.Phase)
	assert.Equal(t, "Please take the chocolate donuts and put them into the box.", ev.Message)
	assert.Zero(t, ev.Progress)

	h.confirm()
	ev = h.next()
	require.Equal(t, domain.Phase("PHASE_2"), ev.Phase)
	assert.Equal(t, "Please close the box.", ev.Message)
	assert.Equal(t, 0.5, ev.Progress)

	h.confirm()
	ev = h.next()
	require.Equal(t, domain.EventCompleted, ev.Type)
	assert.Equal(t, id, ev.OrderID)
	assert.Equal(t, map[string]any{"delivered": true, "item_variant": "chocolate"}, ev.Result)

	cmds := h.exec.commandsFor(id)
	require.Len(t, cmds, 2)
	assert.Equal(t, domain.Phase("PHASE_1"), cmds[0].Phase)
	assert.Equal(t, domain.Phase("PHASE_2"), cmds[1].Phase)
}

func TestCancelWaitingOrderSkipsExecutor(t *testing.T) {
	h := newHarness(t)
	// 运行循环未启动，订单停在队列中
	id := h.create("strawberry")

	canceled, err := h.svc.CancelOrder(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, canceled)

	h.start()
	h.next() // WAITING
	ev := h.next()
	assert.Equal(t, domain.PhaseCanceled, ev.Phase)

	// 让运行循环有机会处理队列中的订单
	other := h.create("chocolate")
	h.until(other, "PHASE_1")
	assert.Empty(t, h.exec.commandsFor(id))
}

func TestCancelInPhaseOneBeforePulse(t *testing.T) {
	h := newHarness(t)
	h.start()
	id := h.create("chocolate")
	h.until(id, "PHASE_1")
	require.Eventually(t, h.gate.Armed, 2*time.Second, time.Millisecond)

	canceled, err := h.svc.CancelOrder(context.Background(), id)
	require.NoError(t, err)
	require.True(t, canceled)

	ev := h.next()
	assert.Equal(t, domain.EventStatusUpdate, ev.Type)
	assert.Equal(t, domain.PhaseCanceled, ev.Phase)

	// 之后不应再有该订单的事件，也不应有新的阶段指令
	next := h.create("strawberry")
	ev = h.next()
	assert.Equal(t, next, ev.OrderID)
	assert.Len(t, h.exec.commandsFor(id), 1)
	require.Eventually(t, func() bool {
		h.exec.mu.Lock()
		defer h.exec.mu.Unlock()
		return len(h.exec.stops) > 0 && h.exec.stops[0] == id
	}, 2*time.Second, time.Millisecond)
}

func TestCancelTerminalOrderReturnsFalse(t *testing.T) {
	h := newHarness(t)
	h.start()
	id := h.create("chocolate")
	h.until(id, "PHASE_1")
	h.confirm()
	h.until(id, "PHASE_2")
	h.confirm()
	h.waitPhase(id, domain.PhaseDone)

	canceled, err := h.svc.CancelOrder(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, canceled)

	_, err = h.svc.CancelOrder(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConnectionDropMidPhaseFailsOnlyThatOrder(t *testing.T) {
	h := newHarness(t)
	h.start()

	first := h.create("chocolate")
	second := h.create("strawberry")

	h.until(first, "PHASE_1")
	require.Eventually(t, h.gate.Armed, 2*time.Second, time.Millisecond)
	h.exec.drop()

	var terminal []domain.Event
	for {
		ev := h.next()
		if ev.OrderID == first && ev.IsTerminal() {
			terminal = append(terminal, ev)
		}
		if ev.OrderID == second && ev.Phase == "PHASE_1" {
			break
		}
	}
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.EventError, terminal[0].Type)
	assert.Contains(t, terminal[0].Message, "connection lost")

	// 下一个订单照常推进
	h.confirm()
	h.until(second, "PHASE_2")
	h.confirm()
	h.waitPhase(second, domain.PhaseDone)
}

func TestRunPhaseErrorMarksError(t *testing.T) {
	h := newHarness(t)
	h.exec.failWith(errors.Wrap(domain.ErrConnection, "dial worker"))
	h.start()

	id := h.create("chocolate")
	h.until(id, "PHASE_1")
	ev := h.next()
	assert.Equal(t, domain.EventError, ev.Type)
	assert.Contains(t, ev.Message, "connection lost")
	assert.False(t, h.gate.Armed())
}

func TestRejectedPhaseMarksError(t *testing.T) {
	h := newHarness(t)
	h.exec.failWith(errors.Wrap(domain.ErrPhaseRejected, "worker busy"))
	h.start()

	id := h.create("chocolate")
	h.until(id, "PHASE_1")
	ev := h.next()
	assert.Equal(t, domain.EventError, ev.Type)
	assert.Contains(t, ev.Message, "rejected")
}

func TestGateTimeoutMarksError(t *testing.T) {
	h := newHarness(t, withGateTimeout(time.Minute))
	h.start()

	id := h.create("chocolate")
	h.until(id, "PHASE_1")
	require.Eventually(t, h.gate.Armed, 2*time.Second, time.Millisecond)
	h.clock.BlockUntil(1)
	h.clock.Advance(time.Minute)

	ev := h.next()
	assert.Equal(t, domain.EventError, ev.Type)
	assert.Contains(t, ev.Message, "timed out")
}

func TestOrdersNeverOverlapOnWorker(t *testing.T) {
	h := newHarness(t)
	h.exec.onRun = func(cmd port.PhaseCommand) {
		for _, o := range h.machine.Registry().List() {
			if o.ID == cmd.OrderID || o.Phase == domain.PhaseWaiting || o.IsTerminal() {
				continue
			}
			t.Errorf("order %s got %s while order %s is in %s", cmd.OrderID, cmd.Phase, o.ID, o.Phase)
		}
	}
	h.start()

	ids := []string{h.create("chocolate"), h.create("strawberry"), h.create("chocolate")}
	for _, id := range ids {
		h.until(id, "PHASE_1")
		h.confirm()
		h.until(id, "PHASE_2")
		h.confirm()
		h.waitPhase(id, domain.PhaseDone)
	}

	var order []string
	for _, c := range h.exec.commands() {
		order = append(order, c.OrderID)
	}
	assert.Equal(t, []string{ids[0], ids[0], ids[1], ids[1], ids[2], ids[2]}, order)
}

func TestPhaseSequenceIsContiguousPrefix(t *testing.T) {
	h := newHarness(t)
	h.start()

	id := h.create("chocolate")
	h.until(id, "PHASE_1")
	h.confirm()
	h.until(id, "PHASE_2")
	_, err := h.svc.CancelOrder(context.Background(), id)
	require.NoError(t, err)
	h.waitPhase(id, domain.PhaseCanceled)

	o, err := h.machine.Registry().Get(id)
	require.NoError(t, err)
	assert.EqualValues(t, 4, o.Seq, "WAITING, PHASE_1, PHASE_2, CANCELED")
}

func TestQueueFullRejectsOrder(t *testing.T) {
	h := newHarness(t, withQueueSize(1))
	// 不启动运行循环，队列只能容纳一个订单
	h.create("chocolate")

	_, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{ItemVariant: "chocolate"})
	require.ErrorIs(t, err, domain.ErrQueueFull)

	all := h.svc.ListOrders(true)
	require.Len(t, all, 2)
	assert.Equal(t, domain.PhaseError, all[1].Phase)
}

func TestQueueFullCountsOneErroredOrder(t *testing.T) {
	h := newHarness(t, withQueueSize(1))
	h.create("chocolate")

	before := counterValue(t, metrics.OrdersFinished.WithLabelValues(string(domain.PhaseError)))
	_, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{ItemVariant: "strawberry"})
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, before+1, counterValue(t, metrics.OrdersFinished.WithLabelValues(string(domain.PhaseError))))

	all := h.svc.ListOrders(true)
	require.Len(t, all, 2)
	assert.Equal(t, domain.ErrQueueFull.Error(), all[1].ErrorDetail)

	// 已经是终态的订单不会再被记一次
	_, applied, err := h.machine.MarkError(all[1].ID, "again")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestShutdownFailsQueuedOrders(t *testing.T) {
	h := newHarness(t)
	h.start()
	first := h.create("chocolate")
	second := h.create("strawberry")
	h.until(first, "PHASE_1")
	require.Eventually(t, h.gate.Armed, 2*time.Second, time.Millisecond)

	h.stop()

	for _, id := range []string{first, second} {
		o, err := h.machine.Registry().Get(id)
		require.NoError(t, err)
		assert.Equal(t, domain.PhaseError, o.Phase)
		assert.Equal(t, reasonShutdown, o.ErrorDetail)
	}
}

func TestInvalidVariantRejectedBeforeCreation(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{ItemVariant: "pistachio"})

	assert.ErrorIs(t, err, domain.ErrInvalidVariant)
	assert.Empty(t, h.svc.ListOrders(true))
}

func TestFlavorAlias(t *testing.T) {
	h := newHarness(t)

	resp, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{Flavor: "strawberry"})
	require.NoError(t, err)

	o, err := h.svc.GetOrder(context.Background(), resp.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "strawberry", o.ItemVariant)
}
