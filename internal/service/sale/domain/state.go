// internal/service/sale/domain/state.go
package domain

import "fmt"

// Operation 标识一次销售变更。
type Operation string

const (
	OpCreateSale Operation = "create_sale"
	OpUpdateSale Operation = "update_sale"
	OpDeleteSale Operation = "delete_sale"
)

// Phase 定义了单次销售变更的生命周期。
type Phase string

const (
	PhaseValidating Phase = "VALIDATING"  // 校验输入、加载引用
	PhaseAdjusting  Phase = "ADJUSTING"   // 正在调整库存
	PhaseCommitting Phase = "COMMITTING"  // 正在写入销售记录
	PhaseDone       Phase = "DONE"        // 成功
	PhaseRolledBack Phase = "ROLLED_BACK" // 已回滚到调用前状态
)

var phaseTransitions = map[Phase][]Phase{
	PhaseValidating: {PhaseAdjusting, PhaseCommitting},
	PhaseAdjusting:  {PhaseAdjusting, PhaseCommitting, PhaseRolledBack},
	PhaseCommitting: {PhaseDone, PhaseRolledBack},
}

// CanTransition 判断状态流转是否合法。RolledBack 只能从 Adjusting 或 Committing 到达。
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition 返回新状态，非法流转返回错误。
func (p Phase) Transition(next Phase) (Phase, error) {
	if !p.CanTransition(next) {
		return p, fmt.Errorf("illegal phase transition %s -> %s", p, next)
	}
	return next, nil
}

// Terminal 表示流程已经结束。
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseRolledBack
}
