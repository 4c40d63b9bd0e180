package game

import (
	"fmt"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
)

// 状态机事件
const (
	EventStart    = "start"
	EventPause    = "pause"
	EventResume   = "resume"
	EventComplete = "complete"
)

// StatusTransition 遭遇状态转换定义
type StatusTransition struct {
	From  InteractionStatus
	Event string
	To    InteractionStatus
}

// resumeTarget 恢复时回到暂停前的状态
const resumeTarget InteractionStatus = ""

var statusTransitions = buildTransitions([]StatusTransition{
	{From: StatusWaiting, Event: EventStart, To: StatusActive},
	{From: StatusWaiting, Event: EventPause, To: StatusPaused},
	{From: StatusActive, Event: EventPause, To: StatusPaused},
	{From: StatusPaused, Event: EventResume, To: resumeTarget},
	{From: StatusWaiting, Event: EventComplete, To: StatusCompleted},
	{From: StatusActive, Event: EventComplete, To: StatusCompleted},
	{From: StatusPaused, Event: EventComplete, To: StatusCompleted},
})

func buildTransitions(list []StatusTransition) map[string]StatusTransition {
	m := make(map[string]StatusTransition, len(list))
	for _, t := range list {
		m[transitionKey(t.From, t.Event)] = t
	}
	return m
}

// transitionKey 生成转换键
func transitionKey(status InteractionStatus, event string) string {
	return fmt.Sprintf("%s:%s", status, event)
}

// nextStatus 计算事件触发后的状态，非法转换返回对应的房间错误
func nextStatus(state *GameState, event string) (InteractionStatus, error) {
	t, ok := statusTransitions[transitionKey(state.Status, event)]
	if ok {
		if t.To == resumeTarget {
			if state.PausedFrom == "" {
				return StatusWaiting, nil
			}
			return state.PausedFrom, nil
		}
		return t.To, nil
	}

	switch {
	case event == EventResume:
		return "", apperrors.New(apperrors.ErrNotPaused)
	case state.Status == StatusPaused:
		return "", apperrors.New(apperrors.ErrInteractionPaused)
	case state.Status == StatusCompleted:
		return "", apperrors.New(apperrors.ErrRoomClosed)
	default:
		return "", apperrors.Newf(apperrors.ErrInteractionNotActive,
			"无效的状态转换: 状态=%s, 事件=%s", state.Status, event)
	}
}

// requireActive 回合类操作的状态前置检查
func requireActive(state *GameState) error {
	switch state.Status {
	case StatusActive:
		return nil
	case StatusPaused:
		return apperrors.New(apperrors.ErrInteractionPaused)
	case StatusCompleted:
		return apperrors.New(apperrors.ErrRoomClosed)
	default:
		return apperrors.Newf(apperrors.ErrInteractionNotActive, "当前状态: %s", state.Status)
	}
}
