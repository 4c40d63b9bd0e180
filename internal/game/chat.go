package game

import (
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
)

// DefaultChatHistoryLimit 历史消息默认条数
const DefaultChatHistoryLimit = 50

// ChatRequest 发送聊天消息的请求
type ChatRequest struct {
	Content    string   `json:"content"`
	Type       ChatType `json:"type"`
	Recipients []string `json:"recipients,omitempty"`
	EntityID   string   `json:"entityId,omitempty"`
}

// newChatMessage 校验请求并生成消息
func newChatMessage(actor Actor, req ChatRequest, now time.Time) (ChatMessage, error) {
	if req.Type == "" {
		req.Type = ChatParty
	}
	if !req.Type.Valid() {
		return ChatMessage{}, apperrors.Newf(apperrors.ErrInvalidParam, "未知的聊天频道: %s", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" {
		return ChatMessage{}, apperrors.New(apperrors.ErrInvalidParam, "消息内容不能为空")
	}
	if req.Type == ChatSystem && !actor.IsDM() {
		return ChatMessage{}, apperrors.New(apperrors.ErrUnauthorized, "只有DM可以发送系统消息")
	}

	var recipients []string
	if req.Type == ChatPrivate {
		seen := make(map[string]bool)
		for _, r := range req.Recipients {
			r = strings.TrimSpace(r)
			if r == "" || seen[r] {
				continue
			}
			seen[r] = true
			recipients = append(recipients, r)
		}
		if len(recipients) == 0 {
			return ChatMessage{}, apperrors.New(apperrors.ErrInvalidRecipients)
		}
	}

	return ChatMessage{
		ID:         uuid.New().String(),
		UserID:     actor.UserID,
		EntityID:   req.EntityID,
		Content:    req.Content,
		Type:       req.Type,
		Recipients: recipients,
		Timestamp:  now,
	}, nil
}

// canSee 调用者是否可见该消息
func canSee(m ChatMessage, userID string, dm bool) bool {
	switch m.Type {
	case ChatParty, ChatSystem:
		return true
	case ChatDM:
		return dm || m.UserID == userID
	case ChatPrivate:
		if dm || m.UserID == userID {
			return true
		}
		for _, r := range m.Recipients {
			if r == userID {
				return true
			}
		}
	}
	return false
}

// visibleChat 过滤调用者可见的消息
func visibleChat(log []ChatMessage, actor Actor) []ChatMessage {
	out := make([]ChatMessage, 0, len(log))
	for _, m := range log {
		if canSee(m, actor.UserID, actor.IsDM()) {
			out = append(out, m)
		}
	}
	return out
}

// chatHistory 最近 limit 条可见消息（旧的在前），totalCount 为截断前数量
func chatHistory(log []ChatMessage, actor Actor, channel ChatType, limit int) ChatHistory {
	if limit <= 0 {
		limit = DefaultChatHistoryLimit
	}
	matched := make([]ChatMessage, 0)
	for _, m := range visibleChat(log, actor) {
		if channel == "" || m.Type == channel {
			matched = append(matched, m.Clone())
		}
	}
	total := len(matched)
	if total > limit {
		matched = matched[total-limit:]
	}
	return ChatHistory{Messages: matched, TotalCount: total}
}
