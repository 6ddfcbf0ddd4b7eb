package domain

// Phase 订单在履约流程中所处的阶段。
type Phase string

const (
	PhaseWaiting  Phase = "WAITING"
	PhaseDone     Phase = "DONE"
	PhaseCanceled Phase = "CANCELED"
	PhaseError    Phase = "ERROR"
)

// IsTerminal 终态之后不允许任何迁移。
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseCanceled || p == PhaseError
}

// IsReserved 保留阶段不能出现在可配置的阶段列表中。
func (p Phase) IsReserved() bool {
	return p == PhaseWaiting || p.IsTerminal()
}

func (p Phase) String() string {
	return string(p)
}
