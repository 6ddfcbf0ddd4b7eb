package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/service/notification"
	"fulfillment/internal/service/order/application/gate"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
)

// fakeExecutor 立即接受所有指令，可以模拟连接断开。
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []port.PhaseCommand
	stops    []string
	lost     chan struct{}
	failNext error
	onRun    func(cmd port.PhaseCommand)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{lost: make(chan struct{})}
}

func (f *fakeExecutor) RunPhase(ctx context.Context, cmd port.PhaseCommand) error {
	f.mu.Lock()
	hook := f.onRun
	f.calls = append(f.calls, cmd)
	err := f.failNext
	f.failNext = nil
	select {
	case <-f.lost:
		// 上一条连接已断开，新的指令使用新的连接
		f.lost = make(chan struct{})
	default:
	}
	f.mu.Unlock()
	if hook != nil {
		hook(cmd)
	}
	return err
}

func (f *fakeExecutor) Lost() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lost
}

func (f *fakeExecutor) StopPhase(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, orderID)
	return nil
}

// drop 模拟 worker 进程退出
func (f *fakeExecutor) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.lost)
}

func (f *fakeExecutor) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *fakeExecutor) commands() []port.PhaseCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]port.PhaseCommand, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeExecutor) commandsFor(orderID string) []port.PhaseCommand {
	var out []port.PhaseCommand
	for _, c := range f.commands() {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	return out
}

// harness 组装一个完整的运行时: 状态机、运行循环、确认门、广播器。
type harness struct {
	t        *testing.T
	clock    clockwork.FakeClock
	gate     *gate.ConfirmationGate
	hub      *notification.Hub
	machine  *domain.StateMachine
	exec     *fakeExecutor
	orch     *Orchestrator
	svc      *OrderApplicationService
	events   *notification.Subscription
	cancel   context.CancelFunc
	runDone  chan struct{}
	settle   time.Duration
}

type harnessOption func(*OrchestratorConfig)

func withGateTimeout(d time.Duration) harnessOption {
	return func(c *OrchestratorConfig) { c.GateTimeout = d }
}

func withQueueSize(n int) harnessOption {
	return func(c *OrchestratorConfig) { c.QueueSize = n }
}

func defaultPlan(t require.TestingT) *domain.PhasePlan {
	plan, err := domain.NewPhasePlan([]domain.PhaseDefinition{
		{
			Phase:                "PHASE_1",
			Label:                "pack",
			Instruction:          `{{if eq .ItemVariant "chocolate"}}Please take the chocolate donuts and put them into the box.{{else}}Pick up the {{.ItemVariant}} donut and place it in the box.{{end}}`,
			RequiresConfirmation: true,
		},
		{Phase: "PHASE_2", Label: "seal", Instruction: "Please close the box.", RequiresConfirmation: true},
	})
	require.NoError(t, err)
	return plan
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clockwork.NewFakeClock(),
		hub:    notification.NewHub(),
		exec:   newFakeExecutor(),
		settle: gate.DefaultSettle,
	}
	h.gate = gate.NewConfirmationGate(h.clock, gate.DefaultDebounce, h.settle)
	h.machine = domain.NewStateMachine(domain.NewRegistry(), defaultPlan(t), []string{"chocolate", "strawberry"}, h.hub, domain.WithClock(h.clock))

	cfg := OrchestratorConfig{QueueSize: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	tracer := noop.NewTracerProvider().Tracer("test")
	h.orch = NewOrchestrator(h.machine, h.exec, h.gate, tracer, h.clock, cfg)
	h.svc = NewOrderApplicationService(h.machine, h.orch, h.gate, h.hub, tracer)
	h.events = h.hub.Subscribe(1024, "")
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.runDone = make(chan struct{})
	go func() {
		defer close(h.runDone)
		_ = h.orch.Run(ctx)
	}()
	h.t.Cleanup(h.stop)
}

func (h *harness) stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	select {
	case <-h.runDone:
	case <-time.After(2 * time.Second):
		h.t.Error("orchestrator did not stop")
	}
	h.cancel = nil
}

func (h *harness) create(variant string) string {
	h.t.Helper()
	resp, err := h.svc.CreateOrder(context.Background(), &CreateOrderRequest{ItemVariant: variant})
	require.NoError(h.t, err)
	return resp.RequestID
}

// confirm 等待确认门就绪，按一下按钮，再推进 settle 时长。
func (h *harness) confirm() {
	h.t.Helper()
	require.Eventually(h.t, h.gate.Armed, 2*time.Second, time.Millisecond, "gate never armed")
	require.True(h.t, h.gate.Pulse(domain.ConfirmationPulse{Source: "test", At: h.clock.Now()}))
	h.clock.BlockUntil(1)
	h.clock.Advance(h.settle)
}

// next 读取下一个事件
func (h *harness) next() domain.Event {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := h.events.Recv(ctx)
	require.NoError(h.t, err, "expected another event")
	return ev
}

// until 读取事件直到 orderID 出现 phase 为 want 的事件
func (h *harness) until(orderID string, want domain.Phase) domain.Event {
	h.t.Helper()
	for {
		ev := h.next()
		if ev.OrderID == orderID && ev.Phase == want {
			return ev
		}
	}
}

func (h *harness) waitPhase(orderID string, want domain.Phase) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		o, err := h.machine.Registry().Get(orderID)
		return err == nil && o.Phase == want
	}, 2*time.Second, time.Millisecond, "order %s never reached %s", orderID, want)
}

var errBoom = errors.New("boom")

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
