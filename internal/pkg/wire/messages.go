package wire

// CommandType 控制指令类型
type CommandType string

const (
	CommandRunPhase CommandType = "run_phase"
	CommandStop     CommandType = "stop"
)

// ControlPath 是 worker 暴露控制通道的路径，?codec= 选择编码
const ControlPath = "/control"

// Command 网关发给 worker 的请求。同一连接上一次只有一个未完成的请求。
type Command struct {
	Type             CommandType `json:"type" cbor:"type"`
	ID               uint64      `json:"id" cbor:"id"`
	OrderID          string      `json:"order_id" cbor:"order_id"`
	Phase            string      `json:"phase,omitempty" cbor:"phase,omitempty"`
	PhaseInstruction string      `json:"phase_instruction,omitempty" cbor:"phase_instruction,omitempty"`
}

// Reply 对 Command 的应答。accepted 只表示 worker 接受了指令，
// 物理动作是否完成从不通过这个通道报告。
type Reply struct {
	ID       uint64 `json:"id" cbor:"id"`
	Accepted bool   `json:"accepted" cbor:"accepted"`
	Reason   string `json:"reason,omitempty" cbor:"reason,omitempty"`
}
