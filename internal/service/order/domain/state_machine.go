package domain

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Publisher 接收状态机产生的每一个事件。实现方不能阻塞。
type Publisher interface {
	Publish(event Event)
}

// PublisherFunc 让普通函数满足 Publisher。
type PublisherFunc func(event Event)

func (f PublisherFunc) Publish(event Event) { f(event) }

// StateMachine 负责订单的所有状态变更。
// 每次成功变更都会在返回前同步发布且仅发布一个事件；变更彼此串行，
// 所以同一订单的事件发布顺序与变更顺序一致。
type StateMachine struct {
	mu        sync.Mutex
	registry  *Registry
	plan      *PhasePlan
	variants  map[string]struct{}
	publisher Publisher
	clock     clockwork.Clock
}

// Option 定制 StateMachine
type Option func(*StateMachine)

// WithClock 替换时间来源，测试中使用 fake clock。
func WithClock(clock clockwork.Clock) Option {
	return func(m *StateMachine) { m.clock = clock }
}

// NewStateMachine 创建状态机。variants 是允许的商品规格集合。
func NewStateMachine(registry *Registry, plan *PhasePlan, variants []string, publisher Publisher, opts ...Option) *StateMachine {
	m := &StateMachine{
		registry:  registry,
		plan:      plan,
		variants:  make(map[string]struct{}, len(variants)),
		publisher: publisher,
		clock:     clockwork.NewRealClock(),
	}
	for _, v := range variants {
		m.variants[v] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *StateMachine) Plan() *PhasePlan { return m.plan }

func (m *StateMachine) Registry() *Registry { return m.registry }

// ValidVariant 判断商品规格是否在允许的集合中。
func (m *StateMachine) ValidVariant(variant string) bool {
	_, ok := m.variants[variant]
	return ok
}

// Create 创建一个 WAITING 状态的订单并发布 "order accepted"。
func (m *StateMachine) Create(variant string, metadata map[string]string) (Order, error) {
	if !m.ValidVariant(variant) {
		return Order{}, fmt.Errorf("%w: %q", ErrInvalidVariant, variant)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o := NewOrder(variant, metadata, m.clock.Now())
	o.Seq = 1
	m.registry.add(o)
	m.publish(Event{
		Type:      EventStatusUpdate,
		OrderID:   o.ID,
		Seq:       o.Seq,
		Phase:     o.Phase,
		Progress:  0,
		Message:   o.Message,
		Timestamp: o.CreatedAt,
	})
	return o.Clone(), nil
}

// Transition 将订单推进到紧邻的下一个阶段。
// 目标为终态时转交给对应的 Mark 操作；已在终态的订单不允许任何迁移。
func (m *StateMachine) Transition(id string, target Phase, message string, progress float64) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.registry.lookup(id)
	if !ok {
		return Event{}, ErrNotFound
	}
	if o.IsTerminal() {
		return Event{}, fmt.Errorf("%w: order %s is already %s", ErrInvalidTransition, id, o.Phase)
	}

	switch target {
	case PhaseDone:
		ev, _, err := m.markDone(o, nil)
		return ev, err
	case PhaseCanceled:
		ev, _ := m.markCanceled(o, message)
		return ev, nil
	case PhaseError:
		ev, _ := m.markError(o, message)
		return ev, nil
	}

	next, ok := m.plan.Next(o.Phase)
	if !ok || next != target {
		return Event{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Phase, target)
	}

	progress = clamp(progress)
	now := m.clock.Now()
	var seq uint64
	m.registry.mutate(o, func(o *Order) { seq = o.enter(target, message, progress, now) })
	ev := Event{
		Type:      EventStatusUpdate,
		OrderID:   id,
		Seq:       seq,
		Phase:     target,
		Progress:  progress,
		Message:   message,
		Timestamp: now,
	}
	m.publish(ev)
	return ev, nil
}

// MarkDone 从最后一个阶段完成订单。对已结束的订单是空操作，applied 为 false。
func (m *StateMachine) MarkDone(id string, result map[string]any) (Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.registry.lookup(id)
	if !ok {
		return Order{}, false, ErrNotFound
	}
	if o.IsTerminal() {
		return o.Clone(), false, nil
	}
	if _, _, err := m.markDone(o, result); err != nil {
		return o.Clone(), false, err
	}
	return o.Clone(), true, nil
}

// MarkCanceled 从任意非终态取消订单。对已结束的订单是空操作。
func (m *StateMachine) MarkCanceled(id string, reason string) (Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.registry.lookup(id)
	if !ok {
		return Order{}, false, ErrNotFound
	}
	if o.IsTerminal() {
		return o.Clone(), false, nil
	}
	_, snap := m.markCanceled(o, reason)
	return snap, true, nil
}

// MarkError 从任意非终态将订单置为失败。对已结束的订单是空操作。
func (m *StateMachine) MarkError(id string, reason string) (Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.registry.lookup(id)
	if !ok {
		return Order{}, false, ErrNotFound
	}
	if o.IsTerminal() {
		return o.Clone(), false, nil
	}
	_, snap := m.markError(o, reason)
	return snap, true, nil
}

func (m *StateMachine) markDone(o *Order, result map[string]any) (Event, Order, error) {
	if o.Phase != m.plan.Last() {
		return Event{}, Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Phase, PhaseDone)
	}
	res := make(map[string]any, len(result))
	for k, v := range result {
		res[k] = v
	}
	now := m.clock.Now()
	var seq uint64
	snap := m.registry.mutate(o, func(o *Order) {
		seq = o.enter(PhaseDone, "order completed", 1, now)
		o.Result = res
	})
	ev := Event{Type: EventCompleted, OrderID: o.ID, Seq: seq, Phase: PhaseDone, Progress: 1, Result: res, Timestamp: now}
	m.publish(ev)
	return ev, snap, nil
}

func (m *StateMachine) markCanceled(o *Order, reason string) (Event, Order) {
	if reason == "" {
		reason = "order canceled"
	}
	now := m.clock.Now()
	var seq uint64
	snap := m.registry.mutate(o, func(o *Order) { seq = o.enter(PhaseCanceled, reason, o.Progress, now) })
	ev := Event{Type: EventStatusUpdate, OrderID: o.ID, Seq: seq, Phase: PhaseCanceled, Progress: snap.Progress, Message: reason, Timestamp: now}
	m.publish(ev)
	return ev, snap
}

func (m *StateMachine) markError(o *Order, reason string) (Event, Order) {
	if reason == "" {
		reason = "order failed"
	}
	now := m.clock.Now()
	var seq uint64
	snap := m.registry.mutate(o, func(o *Order) {
		seq = o.enter(PhaseError, reason, o.Progress, now)
		o.ErrorDetail = reason
	})
	ev := Event{Type: EventError, OrderID: o.ID, Seq: seq, Phase: PhaseError, Progress: snap.Progress, Message: reason, Timestamp: now}
	m.publish(ev)
	return ev, snap
}

func (m *StateMachine) publish(ev Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
