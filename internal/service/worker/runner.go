package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

var ErrEmptyInstruction = errors.New("empty phase instruction")

// Runner 是真正驱动机器人的执行器。Start 之后一直运行直到被停止或自然结束；
// 它不报告动作是否成功。
type Runner interface {
	Start(orderID, phase, instruction string) error
	// Stop 停止 orderID 的当前动作，orderID 为空时停止任何动作
	Stop(orderID string)
}

// SimulatedRunner 模拟一个策略执行回合: 运行 duration 后自然结束，
// 或者在被 Stop、被新的 Start 替换时提前结束。
type SimulatedRunner struct {
	clock    clockwork.Clock
	duration time.Duration

	mu       sync.Mutex
	current  *episode
	episodes int
}

type episode struct {
	orderID     string
	phase       string
	instruction string
	stop        chan struct{}
}

func NewSimulatedRunner(clock clockwork.Clock, duration time.Duration) *SimulatedRunner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SimulatedRunner{clock: clock, duration: duration}
}

func (r *SimulatedRunner) Start(orderID, phase, instruction string) error {
	if instruction == "" {
		return ErrEmptyInstruction
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	ep := &episode{
		orderID:     orderID,
		phase:       phase,
		instruction: instruction,
		stop:        make(chan struct{}),
	}
	r.current = ep
	r.episodes++
	go r.run(ep)
	return nil
}

func (r *SimulatedRunner) run(ep *episode) {
	log.Info().Str("order_id", ep.orderID).Str("phase", ep.phase).Str("instruction", ep.instruction).Msg("▶ episode started")

	timer := r.clock.NewTimer(r.duration)
	defer timer.Stop()
	select {
	case <-ep.stop:
		log.Info().Str("order_id", ep.orderID).Str("phase", ep.phase).Msg("⏹ episode stopped")
	case <-timer.Chan():
		log.Info().Str("order_id", ep.orderID).Str("phase", ep.phase).Msg("episode finished")
		r.mu.Lock()
		if r.current == ep {
			r.current = nil
		}
		r.mu.Unlock()
	}
}

func (r *SimulatedRunner) Stop(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	if orderID != "" && r.current.orderID != orderID {
		return
	}
	r.stopLocked()
}

// stopLocked 调用方需持有 r.mu
func (r *SimulatedRunner) stopLocked() {
	ep := r.current
	if ep == nil {
		return
	}
	r.current = nil
	close(ep.stop)
}

// Running 返回当前回合的订单和阶段
func (r *SimulatedRunner) Running() (orderID, phase string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", "", false
	}
	return r.current.orderID, r.current.phase, true
}

// Episodes 返回启动过的回合数
func (r *SimulatedRunner) Episodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.episodes
}
