package game

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Presence 连接状态跟踪，只在房间锁内修改
type Presence struct {
	records map[string]*Participant
}

// NewPresence 创建连接跟踪器
func NewPresence() *Presence {
	return &Presence{records: make(map[string]*Participant)}
}

// Get 获取用户的连接记录，已离开的用户视为不存在
func (p *Presence) Get(userID string) (*Participant, bool) {
	rec, ok := p.records[userID]
	if !ok || rec.HasLeft {
		return nil, false
	}
	return rec, true
}

// Count 已加入且未离开的用户数
func (p *Presence) Count() int {
	n := 0
	for _, rec := range p.records {
		if !rec.HasLeft {
			n++
		}
	}
	return n
}

// ConnectedCount 在线用户数
func (p *Presence) ConnectedCount() int {
	n := 0
	for _, rec := range p.records {
		if rec.IsConnected {
			n++
		}
	}
	return n
}

// ConnectedDMs 在线DM数
func (p *Presence) ConnectedDMs() int {
	n := 0
	for _, rec := range p.records {
		if rec.IsConnected && rec.Role == RoleDM {
			n++
		}
	}
	return n
}

// Controller 控制某实体的在线用户
func (p *Presence) Controller(entityID string) (*Participant, bool) {
	for _, rec := range p.records {
		if rec.EntityID == entityID && rec.IsConnected {
			return rec, true
		}
	}
	return nil, false
}

// join 新建或重新绑定连接记录，返回新的连接ID
func (p *Presence) join(actor Actor, entityID string, entityType EntityType, now time.Time) *Participant {
	rec := &Participant{
		UserID:       actor.UserID,
		EntityID:     entityID,
		EntityType:   entityType,
		Role:         actor.Role,
		ConnectionID: uuid.New().String(),
		IsConnected:  true,
		LastActivity: now,
	}
	if rec.Role == "" {
		rec.Role = RolePlayer
	}
	p.records[actor.UserID] = rec
	return rec
}

// reconnect 为已有记录签发新连接ID，返回之前是否离线
func (p *Presence) reconnect(userID string, now time.Time) (*Participant, bool) {
	rec, ok := p.Get(userID)
	if !ok {
		return nil, false
	}
	wasOffline := !rec.IsConnected
	rec.ConnectionID = uuid.New().String()
	rec.IsConnected = true
	rec.LastActivity = now
	return rec, wasOffline
}

// disconnect 标记离线，连接ID不匹配（旧连接）时忽略
func (p *Presence) disconnect(userID, connectionID string) (*Participant, bool) {
	rec, ok := p.records[userID]
	if !ok || !rec.IsConnected {
		return nil, false
	}
	if connectionID != "" && rec.ConnectionID != connectionID {
		return nil, false
	}
	rec.IsConnected = false
	return rec, true
}

// leave 标记用户离开：记录保留并置为离线，重新加入前不再计入房间
func (p *Presence) leave(userID string, now time.Time) (*Participant, bool) {
	rec, ok := p.Get(userID)
	if !ok {
		return nil, false
	}
	rec.IsConnected = false
	rec.HasLeft = true
	rec.ConnectionID = ""
	rec.LastActivity = now
	return rec, true
}

// touch 刷新活跃时间
func (p *Presence) touch(userID string, now time.Time) {
	if rec, ok := p.records[userID]; ok {
		rec.LastActivity = now
	}
}

// idle 超过 timeout 未活跃的在线用户
func (p *Presence) idle(now time.Time, timeout time.Duration) []*Participant {
	var out []*Participant
	for _, rec := range p.records {
		if rec.IsConnected && now.Sub(rec.LastActivity) > timeout {
			out = append(out, rec)
		}
	}
	return out
}

// List 连接记录副本
func (p *Presence) List() []Participant {
	out := make([]Participant, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
