package port

import (
	"context"

	"fulfillment/internal/service/order/domain"
)

// PhaseCommand 是发给机器人 worker 的一条"执行阶段"指令。
type PhaseCommand struct {
	OrderID     string
	Phase       domain.Phase
	Instruction string
}

// TaskExecutor 是任务执行器的出站端口。
// RunPhase 返回 nil 仅代表 worker 已接受指令，不代表物理动作已完成；
// 完成与否只由确认门 (confirmation gate) 的外部信号决定。
// 连接丢失时返回包装过的 domain.ErrConnection，worker 拒绝时返回 domain.ErrPhaseRejected。
type TaskExecutor interface {
	RunPhase(ctx context.Context, cmd PhaseCommand) error
}

// ConnectionMonitor 是可选能力: Lost 返回的 channel 在服务上一条指令的连接断开时关闭。
type ConnectionMonitor interface {
	Lost() <-chan struct{}
}

// PhaseStopper 是可选能力: 订单结束时让 worker 停止正在执行的动作。
type PhaseStopper interface {
	StopPhase(ctx context.Context, orderID string) error
}
