package game

import (
	apperrors "github.com/wfunc/encounter-room/internal/errors"
)

// applyAction 将已校验的行动作用到状态上（state 必须是副本）
func applyAction(state *GameState, action TurnAction) error {
	actor, ok := state.Participants[action.EntityID]
	if !ok {
		return apperrors.Newf(apperrors.ErrInvariantViolation, "行动实体不存在: %s", action.EntityID)
	}

	if action.Type != ActionEnd {
		idx := findAction(actor, action)
		if idx < 0 {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "行动定义丢失: %s", action.Type)
		}
		def := &actor.AvailableActions[idx]
		def.UsedThisTurn++
		if def.UsesPerTurn > 0 && def.UsedThisTurn >= def.UsesPerTurn {
			def.Available = false
		}
	}

	switch action.Type {
	case ActionMove:
		actor.Position = *action.Position

	case ActionAttack:
		target := state.Participants[action.Target]
		if target == nil {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "攻击目标不存在: %s", action.Target)
		}
		changeHP(target, -action.Parameters["damage"])

	case ActionUseItem:
		i, item := findItem(actor, action.ItemID)
		if item == nil {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "物品不存在: %s", action.ItemID)
		}
		changeHP(actor, item.Heal+action.Parameters["heal"])
		if item.Consumable {
			item.Quantity--
			if item.Quantity <= 0 {
				removeItem(actor, i)
			}
		}

	case ActionCast:
		target := actor
		if action.Target != "" {
			target = state.Participants[action.Target]
			if target == nil {
				return apperrors.Newf(apperrors.ErrInvariantViolation, "施法目标不存在: %s", action.Target)
			}
		}
		changeHP(target, action.Parameters["heal"]-action.Parameters["damage"])
		if d := action.Parameters["duration"]; d > 0 {
			addCondition(target, Condition{Name: action.SpellID, Duration: d})
		}

	case ActionInteract:
		if state.MapState.Objects == nil {
			state.MapState.Objects = make(map[string]int)
		}
		if v, ok := action.Parameters["state"]; ok {
			state.MapState.Objects[action.Target] = v
		} else if state.MapState.Objects[action.Target] == 0 {
			state.MapState.Objects[action.Target] = 1
		} else {
			state.MapState.Objects[action.Target] = 0
		}
	}

	for _, p := range state.Participants {
		refreshRequirements(p)
	}
	return nil
}

// changeHP 修改生命值，结果限制在 [0, maxHP]，比较时不做可能溢出的加法
func changeHP(p *ParticipantState, delta int) {
	switch {
	case delta >= p.MaxHP-p.CurrentHP:
		p.CurrentHP = p.MaxHP
	case delta <= -p.CurrentHP:
		p.CurrentHP = 0
	default:
		p.CurrentHP += delta
	}
}

func removeItem(p *ParticipantState, i int) {
	id := p.Inventory.Items[i].ID
	p.Inventory.Items = append(p.Inventory.Items[:i], p.Inventory.Items[i+1:]...)
	for slot, equipped := range p.Inventory.Equipped {
		if equipped == id {
			delete(p.Inventory.Equipped, slot)
		}
	}
}

// addCondition 添加状态效果，同名效果刷新持续时间
func addCondition(p *ParticipantState, c Condition) {
	for i := range p.Conditions {
		if p.Conditions[i].Name == c.Name {
			if c.Duration > p.Conditions[i].Duration {
				p.Conditions[i].Duration = c.Duration
			}
			return
		}
	}
	p.Conditions = append(p.Conditions, c)
}

// tickConditions 实体回合结束时状态效果持续时间减一，归零移除
func tickConditions(p *ParticipantState) {
	kept := p.Conditions[:0]
	for _, c := range p.Conditions {
		c.Duration--
		if c.Duration > 0 {
			kept = append(kept, c)
		}
	}
	p.Conditions = kept
}

// resetTurnUsage 回合开始时重置行动次数
func resetTurnUsage(p *ParticipantState) {
	for i := range p.AvailableActions {
		a := &p.AvailableActions[i]
		if a.UsesPerTurn > 0 && a.UsedThisTurn > 0 {
			a.Available = true
		}
		a.UsedThisTurn = 0
	}
}
