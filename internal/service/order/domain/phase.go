package domain

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// PhaseDefinition 描述一个物理子任务: 阶段名、标签、指令模板以及是否需要按钮确认。
type PhaseDefinition struct {
	Phase                Phase
	Label                string
	Instruction          string
	RequiresConfirmation bool
}

// InstructionData 是渲染指令模板时可用的字段。
type InstructionData struct {
	OrderID     string
	ItemVariant string
	Metadata    map[string]string
	Phase       Phase
	Label       string
	Index       int
	Total       int
}

// PhasePlan 是校验过的、有序的阶段列表，创建后只读。
type PhasePlan struct {
	defs      []PhaseDefinition
	templates []*template.Template
	index     map[Phase]int
}

// NewPhasePlan 校验阶段定义并预编译指令模板。
func NewPhasePlan(defs []PhaseDefinition) (*PhasePlan, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("phase plan needs at least one phase")
	}
	plan := &PhasePlan{
		defs:      make([]PhaseDefinition, len(defs)),
		templates: make([]*template.Template, len(defs)),
		index:     make(map[Phase]int, len(defs)),
	}
	for i, def := range defs {
		if strings.TrimSpace(string(def.Phase)) == "" {
			return nil, fmt.Errorf("phase %d has an empty name", i)
		}
		if def.Phase.IsReserved() {
			return nil, fmt.Errorf("phase %d uses reserved name %s", i, def.Phase)
		}
		if _, dup := plan.index[def.Phase]; dup {
			return nil, fmt.Errorf("phase %s is defined twice", def.Phase)
		}
		tmpl, err := template.New(string(def.Phase)).Option("missingkey=zero").Parse(def.Instruction)
		if err != nil {
			return nil, fmt.Errorf("phase %s: bad instruction template: %w", def.Phase, err)
		}
		plan.defs[i] = def
		plan.templates[i] = tmpl
		plan.index[def.Phase] = i
	}
	return plan, nil
}

func (p *PhasePlan) Len() int { return len(p.defs) }

func (p *PhasePlan) At(i int) PhaseDefinition { return p.defs[i] }

// Definitions 返回阶段定义的副本。
func (p *PhasePlan) Definitions() []PhaseDefinition {
	out := make([]PhaseDefinition, len(p.defs))
	copy(out, p.defs)
	return out
}

// IndexOf 返回阶段在计划中的位置，不在计划中时返回 -1。
func (p *PhasePlan) IndexOf(phase Phase) int {
	if i, ok := p.index[phase]; ok {
		return i
	}
	return -1
}

// Last 最后一个可配置阶段。
func (p *PhasePlan) Last() Phase { return p.defs[len(p.defs)-1].Phase }

// Progress 第 i 个阶段开始时的进度，即 i/total。
func (p *PhasePlan) Progress(i int) float64 {
	return float64(i) / float64(len(p.defs))
}

// Next 返回 from 之后的合法阶段。WAITING 之后是第一个阶段，最后一个阶段之后没有下一个。
func (p *PhasePlan) Next(from Phase) (Phase, bool) {
	if from == PhaseWaiting {
		return p.defs[0].Phase, true
	}
	i := p.IndexOf(from)
	if i < 0 || i+1 >= len(p.defs) {
		return "", false
	}
	return p.defs[i+1].Phase, true
}

// Render 用订单信息渲染第 i 个阶段的指令文本。
func (p *PhasePlan) Render(i int, order Order) (string, error) {
	def := p.defs[i]
	data := InstructionData{
		OrderID:     order.ID,
		ItemVariant: order.ItemVariant,
		Metadata:    order.Metadata,
		Phase:       def.Phase,
		Label:       def.Label,
		Index:       i,
		Total:       len(p.defs),
	}
	var buf bytes.Buffer
	if err := p.templates[i].Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render instruction for %s: %w", def.Phase, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
