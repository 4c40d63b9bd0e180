package game

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validationState hero 行动中，goblin 相邻，(2,0) 处有障碍
func validationState() *GameState {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewGameState("enc-v", now)
	s.Participants["hero"] = seedParticipant(heroDef(), "")
	s.Participants["goblin"] = seedParticipant(goblinDef(), "")
	s.MapState = MapState{Width: 8, Height: 8, Obstacles: []Position{{X: 2, Y: 0}}, Objects: map[string]int{"lever": 0}}
	s.InitiativeOrder = []InitiativeEntry{
		{EntityID: "hero", EntityType: EntityPlayerCharacter, Initiative: 15},
		{EntityID: "goblin", EntityType: EntityMonster, Initiative: 10},
	}
	s.Status = StatusActive
	openTurn(s, now)
	return s
}

func issueCodes(issues []ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidate_Identity(t *testing.T) {
	s := validationState()

	res := Validate(s, TurnAction{Type: ActionEnd, EntityID: "goblin"})
	assert.False(t, res.Valid)
	assert.Equal(t, []string{CodeNotCurrentEntity}, issueCodes(res.Errors))

	s.Status = StatusPaused
	res = Validate(s, TurnAction{Type: ActionEnd, EntityID: "hero"})
	assert.Equal(t, []string{CodeNotActive}, issueCodes(res.Errors))
}

func TestValidate_Fields(t *testing.T) {
	s := validationState()

	cases := []struct {
		name   string
		action TurnAction
		field  string
	}{
		{"移动缺少位置", TurnAction{Type: ActionMove, EntityID: "hero"}, "position"},
		{"攻击缺少目标", TurnAction{Type: ActionAttack, EntityID: "hero"}, "target"},
		{"使用物品缺少物品", TurnAction{Type: ActionUseItem, EntityID: "hero"}, "itemId"},
		{"施法缺少法术", TurnAction{Type: ActionCast, EntityID: "hero"}, "spellId"},
		{"交互缺少物件", TurnAction{Type: ActionInteract, EntityID: "hero"}, "target"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(s, tc.action)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, CodeMissingField, res.Errors[0].Code)
			assert.Equal(t, tc.field, res.Errors[0].Field)
		})
	}

	res := Validate(s, TurnAction{Type: "teleport", EntityID: "hero"})
	assert.Equal(t, []string{CodeUnknownActionType}, issueCodes(res.Errors))
}

func TestValidate_ExtraneousFieldsWarn(t *testing.T) {
	s := validationState()

	res := Validate(s, TurnAction{Type: ActionEnd, EntityID: "hero", ItemID: "potion", Position: &Position{X: 1, Y: 1}})
	assert.True(t, res.Valid)
	assert.ElementsMatch(t, []string{CodeExtraneousField, CodeExtraneousField}, issueCodes(res.Warnings))
}

func TestValidate_Move(t *testing.T) {
	s := validationState()
	move := func(x, y int) ValidationResult {
		return Validate(s, TurnAction{Type: ActionMove, EntityID: "hero", Position: &Position{X: x, Y: y}})
	}

	assert.True(t, move(0, 3).Valid)
	assert.Equal(t, []string{CodeOutOfBounds}, issueCodes(move(-1, 0).Errors))
	assert.Equal(t, []string{CodeObstacle}, issueCodes(move(2, 0).Errors))
	assert.Equal(t, []string{CodeOccupied}, issueCodes(move(1, 0).Errors))
	assert.Equal(t, []string{CodeOutOfRange}, issueCodes(move(7, 7).Errors))

	// 倒下的实体不占格
	s.Participants["goblin"].CurrentHP = 0
	assert.True(t, move(1, 0).Valid)
}

func TestValidate_AttackAndCast(t *testing.T) {
	s := validationState()

	res := Validate(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin", Parameters: map[string]int{"damage": 3}})
	assert.True(t, res.Valid)

	res = Validate(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin", Parameters: map[string]int{"damage": -1}})
	assert.Equal(t, []string{CodeInvalidParameter}, issueCodes(res.Errors))

	s.Participants["goblin"].Position = Position{X: 4, Y: 0}
	res = Validate(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin"})
	assert.Contains(t, issueCodes(res.Errors), CodeOutOfRange)

	// (2,0) 的障碍挡住视线
	res = Validate(s, TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "firebolt", Target: "goblin"})
	assert.Equal(t, []string{CodeLineBlocked}, issueCodes(res.Errors))

	s.Participants["goblin"].Position = Position{X: 0, Y: 4}
	res = Validate(s, TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "firebolt", Target: "goblin"})
	assert.True(t, res.Valid)

	res = Validate(s, TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "meteor"})
	assert.Equal(t, []string{CodeActionUnavailable}, issueCodes(res.Errors))
}

func TestValidate_EffectParametersBounded(t *testing.T) {
	s := validationState()

	cases := []struct {
		name   string
		action TurnAction
		field  string
	}{
		{"治疗溢出", TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "firebolt", Parameters: map[string]int{"heal": math.MaxInt}}, "parameters.heal"},
		{"伤害过大", TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin", Parameters: map[string]int{"damage": MaxEffectAmount + 1}}, "parameters.damage"},
		{"持续时间为负", TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "firebolt", Parameters: map[string]int{"duration": -1}}, "parameters.duration"},
		{"物品治疗为负", TurnAction{Type: ActionUseItem, EntityID: "hero", ItemID: "potion", Parameters: map[string]int{"heal": -30}}, "parameters.heal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(s, tc.action)
			assert.False(t, res.Valid)
			require.Len(t, res.Errors, 1)
			assert.Equal(t, CodeInvalidParameter, res.Errors[0].Code)
			assert.Equal(t, tc.field, res.Errors[0].Field)
		})
	}

	// 自定义规则同样受参数上限约束
	v := NewValidator(RuleCheckerFunc(func(*GameState, TurnAction, *AvailableAction) ([]ValidationIssue, []ValidationIssue) {
		return nil, nil
	}))
	res := v.Validate(s, cases[0].action)
	assert.Equal(t, []string{CodeInvalidParameter}, issueCodes(res.Errors))

	res = Validate(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin", Parameters: map[string]int{"damage": MaxEffectAmount}})
	assert.True(t, res.Valid)
}

func TestValidate_EndAlwaysAvailable(t *testing.T) {
	s := validationState()
	hero := s.Participants["hero"]
	hero.AvailableActions = nil
	hero.CurrentHP = 0

	// 结束回合不依赖可用行动列表，倒下的实体也能结束回合
	res := Validate(s, TurnAction{Type: ActionEnd, EntityID: "hero"})
	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)

	res = Validate(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin"})
	assert.Equal(t, []string{CodeActionUnavailable}, issueCodes(res.Errors))
}

func TestChangeHP_Saturates(t *testing.T) {
	p := &ParticipantState{CurrentHP: 3, MaxHP: 7}

	changeHP(p, math.MaxInt)
	assert.Equal(t, 7, p.CurrentHP)
	changeHP(p, math.MinInt)
	assert.Equal(t, 0, p.CurrentHP)
	changeHP(p, 4)
	assert.Equal(t, 4, p.CurrentHP)
	changeHP(p, -1)
	assert.Equal(t, 3, p.CurrentHP)
}

func TestValidate_Requirements(t *testing.T) {
	s := validationState()
	hero := s.Participants["hero"]

	addCondition(hero, Condition{Name: "silenced", Duration: 1})
	refreshRequirements(hero)
	res := Validate(s, TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "firebolt"})
	assert.Equal(t, []string{CodeRequirementNotMet}, issueCodes(res.Errors))

	hero.Inventory.Equipped = map[string]string{}
	refreshRequirements(hero)
	res = Validate(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin"})
	assert.Equal(t, []string{CodeRequirementNotMet}, issueCodes(res.Errors))

	hero.CurrentHP = 0
	refreshRequirements(hero)
	res = Validate(s, TurnAction{Type: ActionMove, EntityID: "hero", Position: &Position{X: 0, Y: 1}})
	assert.Equal(t, []string{CodeActorIncapacitated}, issueCodes(res.Errors))

	// 倒下仍可结束回合
	assert.True(t, Validate(s, TurnAction{Type: ActionEnd, EntityID: "hero"}).Valid)
}

func TestValidate_ItemsAndObjects(t *testing.T) {
	s := validationState()

	assert.True(t, Validate(s, TurnAction{Type: ActionUseItem, EntityID: "hero", ItemID: "potion"}).Valid)
	res := Validate(s, TurnAction{Type: ActionUseItem, EntityID: "hero", ItemID: "scroll"})
	assert.Equal(t, []string{CodeItemNotFound}, issueCodes(res.Errors))

	assert.True(t, Validate(s, TurnAction{Type: ActionInteract, EntityID: "hero", Target: "lever"}).Valid)
	res = Validate(s, TurnAction{Type: ActionInteract, EntityID: "hero", Target: "chest"})
	assert.Equal(t, []string{CodeObjectNotFound}, issueCodes(res.Errors))
}

func TestValidate_DoesNotMutate(t *testing.T) {
	s := validationState()
	before := s.Clone()

	Validate(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin", Parameters: map[string]int{"damage": 3}})
	Validate(s, TurnAction{Type: ActionMove, EntityID: "hero", Position: &Position{X: 2, Y: 0}})

	assert.Equal(t, before, s)
}

func TestValidate_CustomRules(t *testing.T) {
	s := validationState()
	noMagic := RuleCheckerFunc(func(state *GameState, action TurnAction, def *AvailableAction) ([]ValidationIssue, []ValidationIssue) {
		if action.Type == ActionCast {
			return []ValidationIssue{{Code: "NO_MAGIC", Message: "禁魔区"}}, nil
		}
		return nil, nil
	})
	v := NewValidator(noMagic)

	res := v.Validate(s, TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "firebolt"})
	assert.Equal(t, []string{"NO_MAGIC"}, issueCodes(res.Errors))

	// 自定义规则替换默认规则
	res = v.Validate(s, TurnAction{Type: ActionMove, EntityID: "hero", Position: &Position{X: 2, Y: 0}})
	assert.True(t, res.Valid)
}

func TestApplyAction_Effects(t *testing.T) {
	s := validationState()
	hero := s.Participants["hero"]
	goblin := s.Participants["goblin"]

	require.NoError(t, applyAction(s, TurnAction{Type: ActionAttack, EntityID: "hero", Target: "goblin", Parameters: map[string]int{"damage": 10}}))
	assert.Equal(t, 0, goblin.CurrentHP)
	assert.False(t, hero.AvailableActions[1].Available)
	assert.Equal(t, 1, hero.AvailableActions[1].UsedThisTurn)

	require.NoError(t, applyAction(s, TurnAction{Type: ActionInteract, EntityID: "hero", Target: "lever"}))
	assert.Equal(t, 1, s.MapState.Objects["lever"])
	require.NoError(t, applyAction(s, TurnAction{Type: ActionInteract, EntityID: "hero", Target: "lever", Parameters: map[string]int{"state": 5}}))
	assert.Equal(t, 5, s.MapState.Objects["lever"])

	require.NoError(t, applyAction(s, TurnAction{Type: ActionUseItem, EntityID: "hero", ItemID: "potion"}))
	require.NoError(t, applyAction(s, TurnAction{Type: ActionUseItem, EntityID: "hero", ItemID: "potion"}))
	assert.Empty(t, hero.Inventory.Items)
	assert.False(t, hero.AvailableActions[2].Requirements[0].Met)

	require.NoError(t, applyAction(s, TurnAction{Type: ActionCast, EntityID: "hero", SpellID: "firebolt",
		Parameters: map[string]int{"damage": 4, "duration": 2}}))
	assert.Equal(t, 16, hero.CurrentHP)
	require.Len(t, hero.Conditions, 1)

	tickConditions(hero)
	tickConditions(hero)
	assert.Empty(t, hero.Conditions)

	resetTurnUsage(hero)
	assert.True(t, hero.AvailableActions[1].Available)
	assert.Equal(t, 0, hero.AvailableActions[1].UsedThisTurn)
}

func TestSortInitiativeStable(t *testing.T) {
	order := []InitiativeEntry{
		{EntityID: "a", Initiative: 10},
		{EntityID: "b", Initiative: 18},
		{EntityID: "c", Initiative: 10},
		{EntityID: "d", Initiative: 12},
	}
	sortInitiative(order)

	ids := make([]string, len(order))
	for i, e := range order {
		ids[i] = e.EntityID
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, ids)
}
