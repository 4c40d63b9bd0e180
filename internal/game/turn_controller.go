package game

import (
	"sort"
	"time"
)

// sortInitiative 按先攻值降序排列，相同值保持原顺序
func sortInitiative(order []InitiativeEntry) {
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].Initiative > order[j].Initiative
	})
}

// openTurn 为当前先攻条目打开新回合
func openTurn(state *GameState, now time.Time) {
	entry, ok := state.CurrentEntry()
	if !ok {
		state.ActiveTurn = nil
		return
	}
	state.ActiveTurn = &TurnRecord{
		TurnNumber:  state.NextTurnNumber,
		EntityID:    entry.EntityID,
		RoundNumber: state.RoundNumber,
		Actions:     []TurnAction{},
		StartTime:   now,
	}
	state.NextTurnNumber++

	if p, ok := state.Participants[entry.EntityID]; ok {
		p.TurnStatus = TurnStatusActive
		resetTurnUsage(p)
		refreshRequirements(p)
	}
}

// finishTurn 结束当前回合并写入历史
func finishTurn(state *GameState, status RecordStatus, reason string, now time.Time) TurnRecord {
	rec := state.ActiveTurn.Clone()
	end := now
	rec.EndTime = &end
	rec.Status = status
	rec.Reason = reason
	state.TurnHistory = append(state.TurnHistory, rec)
	state.ActiveTurn = nil

	if p, ok := state.Participants[rec.EntityID]; ok {
		tickConditions(p)
		refreshRequirements(p)
		if status == RecordCompleted {
			p.TurnStatus = TurnStatusCompleted
		} else {
			p.TurnStatus = TurnStatusSkipped
		}
	}
	return rec.Clone()
}

// advanceTurn 指针后移，越过末尾时进入下一轮
func advanceTurn(state *GameState, now time.Time) {
	if len(state.InitiativeOrder) == 0 {
		return
	}
	state.CurrentTurnIndex++
	if state.CurrentTurnIndex >= len(state.InitiativeOrder) {
		state.CurrentTurnIndex = 0
		state.RoundNumber++
		for _, e := range state.InitiativeOrder {
			if p, ok := state.Participants[e.EntityID]; ok {
				p.TurnStatus = TurnStatusWaiting
			}
		}
	}
	openTurn(state, now)
}
