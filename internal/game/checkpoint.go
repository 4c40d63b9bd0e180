package game

// maxCheckpoints 每个房间保留的回合检查点数量，更早的回合不能再回溯
const maxCheckpoints = 200

// turnCheckpoint 回合开始时可回溯的那部分状态，不含回合历史与聊天记录
type turnCheckpoint struct {
	Participants     map[string]*ParticipantState
	MapState         MapState
	InitiativeOrder  []InitiativeEntry
	ActiveTurn       *TurnRecord
	CurrentTurnIndex int
	RoundNumber      int
	NextTurnNumber   int
}

// newCheckpoint 从已提交的状态截取检查点。已提交的状态不再被修改，字段直接共享。
func newCheckpoint(s *GameState) *turnCheckpoint {
	return &turnCheckpoint{
		Participants:     s.Participants,
		MapState:         s.MapState,
		InitiativeOrder:  s.InitiativeOrder,
		ActiveTurn:       s.ActiveTurn,
		CurrentTurnIndex: s.CurrentTurnIndex,
		RoundNumber:      s.RoundNumber,
		NextTurnNumber:   s.NextTurnNumber,
	}
}
