// Package gate 把物理按钮的原始脉冲转换成一次干净的"允许推进"信号。
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"fulfillment/internal/pkg/metrics"
	"fulfillment/internal/service/order/domain"
)

// Outcome 是一次等待的结果
type Outcome int

const (
	Confirmed Outcome = iota + 1
	TimedOut
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case TimedOut:
		return "timed_out"
	case Canceled:
		return "canceled"
	}
	return "unknown"
}

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultSettle   = 5 * time.Second
)

// ConfirmationGate 同一时间只服务一个等待者。
// 被接受的脉冲到达后 debounce 窗口内到达的脉冲会被忽略；
// 接受脉冲后还需等待 settle 时长才返回 Confirmed。
type ConfirmationGate struct {
	clock    clockwork.Clock
	debounce time.Duration
	settle   time.Duration

	mu           sync.Mutex
	waiting      bool
	accepted     chan struct{} // 非 nil 表示正在接收脉冲
	lastAccepted time.Time
}

// NewConfirmationGate 创建确认门，clock 为 nil 时使用真实时钟。
func NewConfirmationGate(clock clockwork.Clock, debounce, settle time.Duration) *ConfirmationGate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConfirmationGate{clock: clock, debounce: debounce, settle: settle}
}

// Pulse 投递一次原始脉冲，从不阻塞。返回脉冲是否被接受。
func (g *ConfirmationGate) Pulse(p domain.ConfirmationPulse) bool {
	// 防抖按到达时间计算，p.At 由发送方给出，只用于日志
	now := g.clock.Now()
	if p.At.IsZero() {
		p.At = now
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastAccepted.IsZero() && now.Sub(g.lastAccepted) < g.debounce {
		metrics.GatePulses.WithLabelValues("debounced").Inc()
		log.Debug().Str("source", p.Source).Msg("gate: pulse within debounce window ignored")
		return false
	}
	if g.accepted == nil {
		metrics.GatePulses.WithLabelValues("idle").Inc()
		log.Debug().Str("source", p.Source).Msg("gate: no waiter armed, pulse dropped")
		return false
	}

	g.lastAccepted = now
	g.accepted <- struct{}{}
	g.accepted = nil
	metrics.GatePulses.WithLabelValues("accepted").Inc()
	log.Info().Str("source", p.Source).Time("at", p.At).Msg("gate: pulse accepted, settling")
	return true
}

// Armed 当前是否有等待者正在接收脉冲。
func (g *ConfirmationGate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted != nil
}

// Await 等待一次确认。timeout 为 0 表示不超时。
// cancel 被关闭时立即返回 Canceled，包括在 settle 阶段；
// ctx 结束时返回 ctx.Err()；已有等待者时立即返回 ErrGateBusy。
func (g *ConfirmationGate) Await(ctx context.Context, cancel <-chan struct{}, timeout time.Duration) (Outcome, error) {
	g.mu.Lock()
	if g.waiting {
		g.mu.Unlock()
		return 0, domain.ErrGateBusy
	}
	select {
	case <-cancel:
		g.mu.Unlock()
		return Canceled, nil
	default:
	}
	accepted := make(chan struct{}, 1)
	g.waiting = true
	g.accepted = accepted
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.waiting = false
		g.accepted = nil
		g.mu.Unlock()
	}()

	var timeoutC <-chan time.Time
	var timer clockwork.Timer
	if timeout > 0 {
		timer = g.clock.NewTimer(timeout)
		timeoutC = timer.Chan()
	}
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	select {
	case <-cancel:
		stopTimer()
		return Canceled, nil
	case <-ctx.Done():
		stopTimer()
		return 0, ctx.Err()
	case <-timeoutC:
		g.disarm()
		return TimedOut, nil
	case <-accepted:
		stopTimer()
	}

	if g.settle <= 0 {
		return Confirmed, nil
	}
	settle := g.clock.NewTimer(g.settle)
	defer settle.Stop()
	select {
	case <-cancel:
		return Canceled, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-settle.Chan():
		return Confirmed, nil
	}
}

func (g *ConfirmationGate) disarm() {
	g.mu.Lock()
	g.accepted = nil
	g.mu.Unlock()
}
