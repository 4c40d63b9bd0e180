package game

import (
	"fmt"
	"strconv"
)

// 校验错误码
const (
	CodeNotCurrentEntity   = "NOT_CURRENT_ENTITY"
	CodeUnknownEntity      = "UNKNOWN_ENTITY"
	CodeNotActive          = "INTERACTION_NOT_ACTIVE"
	CodeUnknownActionType  = "UNKNOWN_ACTION_TYPE"
	CodeMissingField       = "MISSING_FIELD"
	CodeActionUnavailable  = "ACTION_UNAVAILABLE"
	CodeRequirementNotMet  = "REQUIREMENT_NOT_MET"
	CodeOutOfBounds        = "OUT_OF_BOUNDS"
	CodeObstacle           = "OBSTACLE"
	CodeOccupied           = "OCCUPIED"
	CodeOutOfRange         = "OUT_OF_RANGE"
	CodeTargetNotFound     = "TARGET_NOT_FOUND"
	CodeItemNotFound       = "ITEM_NOT_FOUND"
	CodeLineBlocked        = "LINE_OF_EFFECT_BLOCKED"
	CodeTargetDown         = "TARGET_DOWN"
	CodeExtraneousField    = "EXTRANEOUS_FIELD"
	CodeObjectNotFound     = "OBJECT_NOT_FOUND"
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeActorIncapacitated = "ACTOR_INCAPACITATED"
)

// MaxEffectAmount 伤害、治疗、持续时间参数的上限
const MaxEffectAmount = 10000

// effectParameters 按数值生效的行动参数
var effectParameters = []string{"damage", "heal", "duration"}

// ValidationIssue 校验问题（错误或警告）
type ValidationIssue struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult 校验结果
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

func (r *ValidationResult) addError(code, field, format string, args ...interface{}) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) addWarning(code, field, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
}

// RuleChecker 领域规则检查（地图、距离、目标等）
type RuleChecker interface {
	Check(state *GameState, action TurnAction, def *AvailableAction) (errs, warnings []ValidationIssue)
}

// RuleCheckerFunc 函数形式的规则检查
type RuleCheckerFunc func(state *GameState, action TurnAction, def *AvailableAction) ([]ValidationIssue, []ValidationIssue)

// Check 实现 RuleChecker
func (f RuleCheckerFunc) Check(state *GameState, action TurnAction, def *AvailableAction) ([]ValidationIssue, []ValidationIssue) {
	return f(state, action, def)
}

// Validator 行动校验器
type Validator struct {
	rules RuleChecker
}

// NewValidator 创建校验器，rules 为空时使用默认规则
func NewValidator(rules RuleChecker) *Validator {
	if rules == nil {
		rules = DefaultRules{}
	}
	return &Validator{rules: rules}
}

// Validate 使用默认规则校验
func Validate(state *GameState, action TurnAction) ValidationResult {
	return NewValidator(nil).Validate(state, action)
}

// Validate 按顺序校验：身份 -> 必填字段 -> 可用行动 -> 领域规则。
// 某一类出错即停止，但同一类内的错误全部收集。不修改 state。
func (v *Validator) Validate(state *GameState, action TurnAction) ValidationResult {
	result := ValidationResult{Errors: []ValidationIssue{}, Warnings: []ValidationIssue{}}

	checkIdentity(state, action, &result)
	if len(result.Errors) > 0 {
		return result
	}

	checkFields(action, &result)
	if len(result.Errors) > 0 {
		return result
	}

	actor := state.Participants[action.EntityID]
	var def *AvailableAction
	if action.Type != ActionEnd {
		def = checkAvailability(actor, action, &result)
		if len(result.Errors) > 0 {
			return result
		}
	}

	errs, warnings := v.rules.Check(state, action, def)
	result.Errors = append(result.Errors, errs...)
	result.Warnings = append(result.Warnings, warnings...)
	result.Valid = len(result.Errors) == 0
	return result
}

func checkIdentity(state *GameState, action TurnAction, r *ValidationResult) {
	if state.Status != StatusActive {
		r.addError(CodeNotActive, "", "遭遇未进行中: %s", state.Status)
		return
	}
	current, ok := state.CurrentEntry()
	if !ok {
		r.addError(CodeNotCurrentEntity, "entityId", "先攻顺序为空")
		return
	}
	if action.EntityID != current.EntityID {
		r.addError(CodeNotCurrentEntity, "entityId", "当前行动实体为 %s", current.EntityID)
	}
	if _, exists := state.Participants[action.EntityID]; !exists {
		r.addError(CodeUnknownEntity, "entityId", "实体不存在: %s", action.EntityID)
	}
}

func checkFields(action TurnAction, r *ValidationResult) {
	if !action.Type.Valid() {
		r.addError(CodeUnknownActionType, "type", "未知的行动类型: %s", action.Type)
		return
	}

	required := map[ActionType]struct {
		field string
		set   bool
	}{
		ActionMove:     {"position", action.Position != nil},
		ActionAttack:   {"target", action.Target != ""},
		ActionUseItem:  {"itemId", action.ItemID != ""},
		ActionCast:     {"spellId", action.SpellID != ""},
		ActionInteract: {"target", action.Target != ""},
	}
	if req, ok := required[action.Type]; ok && !req.set {
		r.addError(CodeMissingField, req.field, "%s 行动缺少字段 %s", action.Type, req.field)
	}

	// 其他类型的字段被忽略，只给出警告
	if action.Position != nil && action.Type != ActionMove {
		r.addWarning(CodeExtraneousField, "position", "position 字段将被忽略")
	}
	if action.ItemID != "" && action.Type != ActionUseItem {
		r.addWarning(CodeExtraneousField, "itemId", "itemId 字段将被忽略")
	}
	if action.SpellID != "" && action.Type != ActionCast {
		r.addWarning(CodeExtraneousField, "spellId", "spellId 字段将被忽略")
	}

	for _, key := range effectParameters {
		v, ok := action.Parameters[key]
		if !ok {
			continue
		}
		if v < 0 {
			r.addError(CodeInvalidParameter, "parameters."+key, "%s 不能为负数", key)
		} else if v > MaxEffectAmount {
			r.addError(CodeInvalidParameter, "parameters."+key, "%s 不能超过 %d", key, MaxEffectAmount)
		}
	}
}

// checkAvailability 查找匹配的可用行动并检查前置条件
func checkAvailability(actor *ParticipantState, action TurnAction, r *ValidationResult) *AvailableAction {
	idx := findAction(actor, action)
	if idx < 0 {
		r.addError(CodeActionUnavailable, "type", "实体 %s 没有 %s 行动", actor.EntityID, action.Type)
		return nil
	}
	def := &actor.AvailableActions[idx]
	if !def.Available {
		r.addError(CodeActionUnavailable, "actionId", "行动 %s 当前不可用", def.ID)
	}
	for _, req := range def.Requirements {
		if !req.Met {
			r.addError(CodeRequirementNotMet, "requirements", "行动 %s 前置条件未满足: %s=%s", def.ID, req.Type, req.Value)
		}
	}
	return def
}

// findAction 匹配可用行动：优先 actionId，施法用 spellId，否则取同类型中第一个可用的
func findAction(actor *ParticipantState, action TurnAction) int {
	key := action.ActionID
	if key == "" && action.Type == ActionCast {
		key = action.SpellID
	}
	fallback := -1
	for i, a := range actor.AvailableActions {
		if a.Type != action.Type {
			continue
		}
		if key != "" {
			if a.ID == key {
				return i
			}
			continue
		}
		if a.Available {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// DefaultRules 默认领域规则
type DefaultRules struct{}

// Check 实现 RuleChecker
func (DefaultRules) Check(state *GameState, action TurnAction, def *AvailableAction) ([]ValidationIssue, []ValidationIssue) {
	r := &ValidationResult{}
	actor := state.Participants[action.EntityID]

	if action.Type != ActionEnd && actor.CurrentHP <= 0 {
		r.addError(CodeActorIncapacitated, "entityId", "实体 %s 已倒下", actor.EntityID)
		return r.Errors, r.Warnings
	}

	switch action.Type {
	case ActionMove:
		checkMove(state, actor, *action.Position, def, r)
	case ActionAttack:
		checkTarget(state, actor, action.Target, def, r)
	case ActionUseItem:
		if _, item := findItem(actor, action.ItemID); item == nil || item.Quantity <= 0 {
			r.addError(CodeItemNotFound, "itemId", "背包中没有物品 %s", action.ItemID)
		}
	case ActionCast:
		if action.Target != "" {
			checkTarget(state, actor, action.Target, def, r)
		}
	case ActionInteract:
		if _, ok := state.MapState.Objects[action.Target]; !ok {
			r.addError(CodeObjectNotFound, "target", "地图上没有物件 %s", action.Target)
		}
	}
	return r.Errors, r.Warnings
}

func checkMove(state *GameState, actor *ParticipantState, dest Position, def *AvailableAction, r *ValidationResult) {
	m := state.MapState
	if m.Width > 0 && m.Height > 0 && (dest.X < 0 || dest.Y < 0 || dest.X >= m.Width || dest.Y >= m.Height) {
		r.addError(CodeOutOfBounds, "position", "目标位置 (%d,%d) 超出地图范围", dest.X, dest.Y)
		return
	}
	if isObstacle(m, dest) {
		r.addError(CodeObstacle, "position", "目标位置 (%d,%d) 是障碍物", dest.X, dest.Y)
	}
	for id, p := range state.Participants {
		if id != actor.EntityID && p.Position == dest && p.CurrentHP > 0 {
			r.addError(CodeOccupied, "position", "目标位置已被 %s 占据", id)
		}
	}
	if def != nil && def.Range > 0 && distance(actor.Position, dest) > def.Range {
		r.addError(CodeOutOfRange, "position", "移动距离超过 %d", def.Range)
	}
}

func checkTarget(state *GameState, actor *ParticipantState, targetID string, def *AvailableAction, r *ValidationResult) {
	target, ok := state.Participants[targetID]
	if !ok {
		r.addError(CodeTargetNotFound, "target", "目标不存在: %s", targetID)
		return
	}
	if def != nil && def.Range > 0 && distance(actor.Position, target.Position) > def.Range {
		r.addError(CodeOutOfRange, "target", "目标 %s 超出射程 %d", targetID, def.Range)
	}
	if lineBlocked(state.MapState, actor.Position, target.Position) {
		r.addError(CodeLineBlocked, "target", "到目标 %s 的视线被阻挡", targetID)
	}
	if target.CurrentHP <= 0 {
		r.addWarning(CodeTargetDown, "target", "目标 %s 生命值已为 0", targetID)
	}
}

// distance 棋盘距离（对角线计为 1）
func distance(a, b Position) int {
	return max(abs(a.X-b.X), abs(a.Y-b.Y))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func isObstacle(m MapState, p Position) bool {
	for _, o := range m.Obstacles {
		if o == p {
			return true
		}
	}
	return false
}

// lineBlocked 两点之间（不含端点）是否有障碍物，Bresenham 直线
func lineBlocked(m MapState, from, to Position) bool {
	if len(m.Obstacles) == 0 {
		return false
	}
	dx, dy := abs(to.X-from.X), -abs(to.Y-from.Y)
	sx, sy := 1, 1
	if from.X > to.X {
		sx = -1
	}
	if from.Y > to.Y {
		sy = -1
	}
	err := dx + dy
	x, y := from.X, from.Y
	for {
		if (x != from.X || y != from.Y) && (x != to.X || y != to.Y) && isObstacle(m, Position{X: x, Y: y}) {
			return true
		}
		if x == to.X && y == to.Y {
			return false
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x += sx
		}
		if e2 <= dx {
			err += dx
			y += sy
		}
	}
}

func findItem(p *ParticipantState, itemID string) (int, *Item) {
	for i := range p.Inventory.Items {
		if p.Inventory.Items[i].ID == itemID {
			return i, &p.Inventory.Items[i]
		}
	}
	return -1, nil
}

func hasCondition(p *ParticipantState, name string) bool {
	for _, c := range p.Conditions {
		if c.Name == name {
			return true
		}
	}
	return false
}

// refreshRequirements 根据当前状态重新计算所有前置条件
func refreshRequirements(p *ParticipantState) {
	for i := range p.AvailableActions {
		reqs := p.AvailableActions[i].Requirements
		for j := range reqs {
			switch reqs[j].Type {
			case RequireMinHP:
				n, err := strconv.Atoi(reqs[j].Value)
				reqs[j].Met = err == nil && p.CurrentHP >= n
			case RequireNoCondition:
				reqs[j].Met = !hasCondition(p, reqs[j].Value)
			case RequireHasCondition:
				reqs[j].Met = hasCondition(p, reqs[j].Value)
			case RequireHasItem:
				_, item := findItem(p, reqs[j].Value)
				reqs[j].Met = item != nil && item.Quantity > 0
			case RequireEquipped:
				reqs[j].Met = false
				for _, id := range p.Inventory.Equipped {
					if id == reqs[j].Value {
						reqs[j].Met = true
						break
					}
				}
			}
		}
	}
}
