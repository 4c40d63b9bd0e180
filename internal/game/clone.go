package game

// Clone 深拷贝游戏状态
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	c := *s
	c.InitiativeOrder = append(s.InitiativeOrder[:0:0], s.InitiativeOrder...)
	c.Participants = cloneParticipants(s.Participants)
	c.MapState = s.MapState.Clone()
	c.TurnHistory = append(s.TurnHistory[:0:0], s.TurnHistory...)
	for i := range c.TurnHistory {
		c.TurnHistory[i] = s.TurnHistory[i].Clone()
	}
	if s.ActiveTurn != nil {
		at := s.ActiveTurn.Clone()
		c.ActiveTurn = &at
	}
	c.ChatLog = append(s.ChatLog[:0:0], s.ChatLog...)
	for i := range c.ChatLog {
		c.ChatLog[i] = s.ChatLog[i].Clone()
	}
	return &c
}

func cloneParticipants(in map[string]*ParticipantState) map[string]*ParticipantState {
	out := make(map[string]*ParticipantState, len(in))
	for id, p := range in {
		out[id] = p.Clone()
	}
	return out
}

// Clone 深拷贝参与者状态
func (p *ParticipantState) Clone() *ParticipantState {
	if p == nil {
		return nil
	}
	c := *p
	c.Conditions = append(p.Conditions[:0:0], p.Conditions...)
	for i := range c.Conditions {
		c.Conditions[i].Effects = cloneIntMap(c.Conditions[i].Effects)
	}
	c.Inventory.Items = append(p.Inventory.Items[:0:0], p.Inventory.Items...)
	if p.Inventory.Equipped != nil {
		c.Inventory.Equipped = make(map[string]string, len(p.Inventory.Equipped))
		for k, v := range p.Inventory.Equipped {
			c.Inventory.Equipped[k] = v
		}
	}
	c.AvailableActions = append(p.AvailableActions[:0:0], p.AvailableActions...)
	for i := range c.AvailableActions {
		reqs := c.AvailableActions[i].Requirements
		c.AvailableActions[i].Requirements = append(reqs[:0:0], reqs...)
	}
	return &c
}

// Clone 深拷贝地图状态
func (m MapState) Clone() MapState {
	c := m
	c.Obstacles = append(m.Obstacles[:0:0], m.Obstacles...)
	c.Objects = cloneIntMap(m.Objects)
	return c
}

// Clone 深拷贝回合记录
func (r TurnRecord) Clone() TurnRecord {
	c := r
	c.Actions = append(r.Actions[:0:0], r.Actions...)
	for i := range c.Actions {
		c.Actions[i] = r.Actions[i].Clone()
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	return c
}

// Clone 深拷贝行动
func (a TurnAction) Clone() TurnAction {
	c := a
	if a.Position != nil {
		p := *a.Position
		c.Position = &p
	}
	c.Parameters = cloneIntMap(a.Parameters)
	return c
}

// Clone 深拷贝聊天消息
func (m ChatMessage) Clone() ChatMessage {
	c := m
	c.Recipients = append(m.Recipients[:0:0], m.Recipients...)
	return c
}

func cloneIntMap(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
