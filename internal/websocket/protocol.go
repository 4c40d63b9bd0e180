package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/encounter-room/internal/game"
)

// 客户端消息类型
const (
	MessageTypePing = "ping"
	MessageTypeSync = "sync"
)

// 服务端控制消息类型，与房间事件共用信封格式
const (
	MessageTypePong  game.EventType = "PONG"
	MessageTypeState game.EventType = "SYNC"
	MessageTypeError game.EventType = "ERROR"
)

// InboundMessage 客户端发来的消息
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// errorPayload 错误消息内容
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// encodeControl 序列化控制消息
func encodeControl(msgType game.EventType, payload interface{}, now time.Time) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(game.Envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: now.UnixMilli(),
	})
}

// closeCodeFor 订阅关闭原因对应的WebSocket关闭码
func closeCodeFor(reason string) int {
	switch reason {
	case game.CloseReasonResyncRequired:
		return CloseResyncRequired
	case game.CloseReasonRoomClosed:
		return CloseRoomClosed
	default:
		return CloseNormal
	}
}

// WebSocket关闭码
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseRoomClosed     = 4000
	CloseResyncRequired = 4001
	CloseInvalidMessage = 4002
)
