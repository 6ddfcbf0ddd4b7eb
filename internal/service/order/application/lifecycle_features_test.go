package application

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/service/notification"
	"fulfillment/internal/service/order/application/gate"
	"fulfillment/internal/service/order/domain"
)

const stepTimeout = 2 * time.Second

type lifecycleWorld struct {
	clock   clockwork.FakeClock
	gate    *gate.ConfirmationGate
	hub     *notification.Hub
	machine *domain.StateMachine
	exec    *fakeExecutor
	svc     *OrderApplicationService
	events  *notification.Subscription
	stop    context.CancelFunc
	done    chan struct{}

	orders       map[string]string
	history      []domain.Event
	lastCanceled bool
}

type worldKey struct{}

func world(ctx context.Context) *lifecycleWorld {
	return ctx.Value(worldKey{}).(*lifecycleWorld)
}

func (w *lifecycleWorld) connectWorker() error {
	plan, err := domain.NewPhasePlan([]domain.PhaseDefinition{
		{Phase: "PHASE_1", Label: "pack", Instruction: "Pick up the {{.ItemVariant}} donut and place it in the box.", RequiresConfirmation: true},
		{Phase: "PHASE_2", Label: "seal", Instruction: "Please close the box.", RequiresConfirmation: true},
	})
	if err != nil {
		return err
	}
	w.clock = clockwork.NewFakeClock()
	w.hub = notification.NewHub()
	w.exec = newFakeExecutor()
	w.gate = gate.NewConfirmationGate(w.clock, gate.DefaultDebounce, gate.DefaultSettle)
	w.machine = domain.NewStateMachine(domain.NewRegistry(), plan, []string{"chocolate", "strawberry"}, w.hub, domain.WithClock(w.clock))
	tracer := noop.NewTracerProvider().Tracer("features")
	orch := NewOrchestrator(w.machine, w.exec, w.gate, tracer, w.clock, OrchestratorConfig{QueueSize: 8})
	w.svc = NewOrderApplicationService(w.machine, orch, w.gate, w.hub, tracer)
	w.events = w.hub.Subscribe(1024, "")

	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		_ = orch.Run(ctx)
	}()
	return nil
}

func (w *lifecycleWorld) shutdown() {
	if w.stop != nil {
		w.stop()
		<-w.done
	}
}

// waitFor 先查看已收到的事件，再继续从订阅中读取，直到 match 成立。
func (w *lifecycleWorld) waitFor(match func(domain.Event) bool) (domain.Event, error) {
	for _, ev := range w.history {
		if match(ev) {
			return ev, nil
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	for {
		ev, err := w.events.Recv(ctx)
		if err != nil {
			return domain.Event{}, err
		}
		w.history = append(w.history, ev)
		if match(ev) {
			return ev, nil
		}
	}
}

func (w *lifecycleWorld) orderID(name string) (string, error) {
	id, ok := w.orders[name]
	if !ok {
		return "", fmt.Errorf("unknown customer %q", name)
	}
	return id, nil
}

func (w *lifecycleWorld) customerOrders(name, variant string) error {
	resp, err := w.svc.CreateOrder(context.Background(), &CreateOrderRequest{ItemVariant: variant})
	if err != nil {
		return err
	}
	w.orders[name] = resp.RequestID
	return nil
}

func (w *lifecycleWorld) orderReachesPhase(name, phase string) error {
	id, err := w.orderID(name)
	if err != nil {
		return err
	}
	_, err = w.waitFor(func(ev domain.Event) bool {
		return ev.OrderID == id && ev.Phase == domain.Phase(phase)
	})
	return err
}

func (w *lifecycleWorld) pressButton() error {
	deadline := time.Now().Add(stepTimeout)
	for !w.gate.Armed() {
		if time.Now().After(deadline) {
			return fmt.Errorf("confirmation gate never armed")
		}
		time.Sleep(time.Millisecond)
	}
	if !w.gate.Pulse(domain.ConfirmationPulse{Source: "feature", At: w.clock.Now()}) {
		return fmt.Errorf("pulse was not accepted")
	}
	w.clock.BlockUntil(1)
	w.clock.Advance(gate.DefaultSettle)
	return nil
}

func (w *lifecycleWorld) customerCancels(name string) error {
	id, err := w.orderID(name)
	if err != nil {
		return err
	}
	w.lastCanceled, err = w.svc.CancelOrder(context.Background(), id)
	return err
}

func (w *lifecycleWorld) cancelReturns(want string) error {
	if fmt.Sprint(w.lastCanceled) != want {
		return fmt.Errorf("cancel returned %v, want %s", w.lastCanceled, want)
	}
	return nil
}

func (w *lifecycleWorld) connectionDrops() error {
	w.exec.drop()
	return nil
}

func (w *lifecycleWorld) completesWith(name, variant string) error {
	id, err := w.orderID(name)
	if err != nil {
		return err
	}
	ev, err := w.waitFor(func(ev domain.Event) bool {
		return ev.OrderID == id && ev.Type == domain.EventCompleted
	})
	if err != nil {
		return err
	}
	if ev.Result["delivered"] != true || ev.Result["item_variant"] != variant {
		return fmt.Errorf("unexpected result %v", ev.Result)
	}
	return nil
}

func (w *lifecycleWorld) endsIn(name, phase string) error {
	id, err := w.orderID(name)
	if err != nil {
		return err
	}
	_, err = w.waitFor(func(ev domain.Event) bool {
		return ev.OrderID == id && ev.IsTerminal() && ev.Phase == domain.Phase(phase)
	})
	return err
}

func (w *lifecycleWorld) lastEventMentions(name, text string) error {
	id, err := w.orderID(name)
	if err != nil {
		return err
	}
	var last *domain.Event
	for i := range w.history {
		if w.history[i].OrderID == id {
			last = &w.history[i]
		}
	}
	if last == nil {
		return fmt.Errorf("no events for %s", name)
	}
	if !strings.Contains(last.Message, text) {
		return fmt.Errorf("last event message %q does not mention %q", last.Message, text)
	}
	return nil
}

func (w *lifecycleWorld) exactlyOneTerminal(name string) error {
	id, err := w.orderID(name)
	if err != nil {
		return err
	}
	// 给迟到的事件一点时间出现
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for {
		ev, err := w.events.Recv(ctx)
		if err != nil {
			break
		}
		w.history = append(w.history, ev)
	}
	count := 0
	for _, ev := range w.history {
		if ev.OrderID == id && ev.IsTerminal() {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("order %s produced %d terminal events", name, count)
	}
	return nil
}

func (w *lifecycleWorld) workerReceived(n int, name string) error {
	id, err := w.orderID(name)
	if err != nil {
		return err
	}
	if got := len(w.exec.commandsFor(id)); got != n {
		return fmt.Errorf("worker received %d phase commands for %s, want %d", got, name, n)
	}
	return nil
}

func InitializeScenario(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return context.WithValue(ctx, worldKey{}, &lifecycleWorld{orders: map[string]string{}}), nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		world(ctx).shutdown()
		return ctx, nil
	})

	sc.Step(`^the robot worker is connected$`, func(ctx context.Context) error { return world(ctx).connectWorker() })
	sc.Step(`^customer "([^"]*)" orders "([^"]*)"$`, func(ctx context.Context, name, variant string) error {
		return world(ctx).customerOrders(name, variant)
	})
	sc.Step(`^order "([^"]*)" reaches phase "([^"]*)"$`, func(ctx context.Context, name, phase string) error {
		return world(ctx).orderReachesPhase(name, phase)
	})
	sc.Step(`^the operator presses the confirmation button$`, func(ctx context.Context) error { return world(ctx).pressButton() })
	sc.Step(`^customer "([^"]*)" cancels the order$`, func(ctx context.Context, name string) error {
		return world(ctx).customerCancels(name)
	})
	sc.Step(`^the cancel request returns (true|false)$`, func(ctx context.Context, want string) error {
		return world(ctx).cancelReturns(want)
	})
	sc.Step(`^the worker connection drops$`, func(ctx context.Context) error { return world(ctx).connectionDrops() })
	sc.Step(`^order "([^"]*)" completes with item variant "([^"]*)"$`, func(ctx context.Context, name, variant string) error {
		return world(ctx).completesWith(name, variant)
	})
	sc.Step(`^order "([^"]*)" ends in "([^"]*)"$`, func(ctx context.Context, name, phase string) error {
		return world(ctx).endsIn(name, phase)
	})
	sc.Step(`^the last event of order "([^"]*)" mentions "([^"]*)"$`, func(ctx context.Context, name, text string) error {
		return world(ctx).lastEventMentions(name, text)
	})
	sc.Step(`^order "([^"]*)" received exactly one terminal event$`, func(ctx context.Context, name string) error {
		return world(ctx).exactlyOneTerminal(name)
	})
	sc.Step(`^the worker received (\d+) phase commands for order "([^"]*)"$`, func(ctx context.Context, n int, name string) error {
		return world(ctx).workerReceived(n, name)
	})
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"../../../../features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
