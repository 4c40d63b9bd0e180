package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/encounter-room/internal/config"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/logger"
	"go.uber.org/zap"
)

// RoomSession 连接所需的房间操作
type RoomSession interface {
	ID() string
	Subscribe(actor game.Actor) (*game.Subscription, error)
	Connect(ctx context.Context, actor game.Actor) (string, error)
	Disconnect(ctx context.Context, userID, connectionID string)
	GetState(actor game.Actor) *game.Snapshot
	Touch(userID string)
}

// Options 连接参数
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration // 必须小于 PongWait
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 8 * 1024,
		SendBuffer:     256,
	}
}

// OptionsFromConfig 从配置生成连接参数
func OptionsFromConfig(cfg config.WebSocketConfig) Options {
	opts := DefaultOptions()
	if cfg.WriteTimeout > 0 {
		opts.WriteWait = cfg.WriteTimeout
	}
	if cfg.PongTimeout > 0 {
		opts.PongWait = cfg.PongTimeout
	}
	if cfg.PingInterval > 0 && cfg.PingInterval < opts.PongWait {
		opts.PingPeriod = cfg.PingInterval
	} else {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}
	if cfg.MaxMessageSize > 0 {
		opts.MaxMessageSize = cfg.MaxMessageSize
	}
	return opts
}

// Client 单个房间订阅连接
type Client struct {
	ID            string // 房间签发的连接ID
	UserID        string
	InteractionID string

	hub   *Hub
	conn  *websocket.Conn
	room  RoomSession
	actor game.Actor
	sub   *game.Subscription
	opts  Options

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool
	closeCode  int
	closeText  string

	logger *zap.Logger
}

// Serve 将已升级的连接绑定到房间：先订阅再上线，保证能收到自己的上线事件
func Serve(ctx context.Context, hub *Hub, conn *websocket.Conn, room RoomSession, actor game.Actor, opts Options) (*Client, error) {
	sub, err := room.Subscribe(actor)
	if err != nil {
		return nil, err
	}
	connID, err := room.Connect(ctx, actor)
	if err != nil {
		sub.Close()
		return nil, err
	}

	c := &Client{
		ID:            connID,
		UserID:        actor.UserID,
		InteractionID: room.ID(),
		hub:           hub,
		conn:          conn,
		room:          room,
		actor:         actor,
		sub:           sub,
		opts:          opts,
		send:          make(chan []byte, opts.SendBuffer),
		logger: hub.logger.With(
			zap.String("client_id", connID),
			zap.String("user_id", actor.UserID),
			zap.String("interaction_id", room.ID())),
	}
	hub.Register(c)

	c.sendState()
	go c.WritePump()
	go c.forward()
	go c.ReadPump()
	return c, nil
}

// enqueue 非阻塞写入发送队列，队列满或已关闭返回 false
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend 关闭发送队列，WritePump 发送关闭帧后退出
func (c *Client) closeSend(code int, text string) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

// forward 将房间事件编码后转发到发送队列
func (c *Client) forward() {
	reason := ""
	for e := range c.sub.Events() {
		data, err := game.EncodeEvent(e)
		if err != nil {
			c.logger.Error("序列化事件失败", zap.String("type", string(e.Type())), zap.Error(err))
			continue
		}
		logger.LogWebSocketMessage("send", string(e.Type()), c.InteractionID)
		if !c.enqueue(data) {
			// 发送队列满与订阅队列满同样处理：断开并要求重新同步
			reason = game.CloseReasonResyncRequired
			c.sub.Close()
			break
		}
	}
	if reason == "" {
		reason = c.sub.Reason()
	}
	c.closeSend(closeCodeFor(reason), reason)
}

// sendState 推送当前快照
func (c *Client) sendState() {
	data, err := encodeControl(MessageTypeState, c.room.GetState(c.actor), time.Now())
	if err != nil {
		c.logger.Error("序列化快照失败", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// sendError 发送错误消息
func (c *Client) sendError(code, message string) {
	data, err := encodeControl(MessageTypeError, errorPayload{Code: code, Message: message}, time.Now())
	if err != nil {
		return
	}
	c.enqueue(data)
}

// ReadPump 读取消息，连接断开时通知房间。连接由 WritePump 发送关闭帧后关闭。
func (c *Client) ReadPump() {
	defer func() {
		c.sub.Close()
		c.room.Disconnect(context.Background(), c.UserID, c.ID)
		c.hub.Unregister(c)
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket读取错误", zap.Error(err))
			}
			return
		}
		if !c.handleMessage(message) {
			return
		}
	}
}

// handleMessage 处理客户端消息，返回 false 时断开连接
func (c *Client) handleMessage(data []byte) bool {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.logger.Warn("收到无效消息", zap.Int("size", len(data)))
		c.sendError("INVALID_MESSAGE", "消息格式错误")
		c.closeSend(CloseInvalidMessage, "invalid_message")
		return false
	}

	logger.LogWebSocketMessage("receive", msg.Type, c.InteractionID)
	c.room.Touch(c.UserID)

	switch msg.Type {
	case MessageTypePing:
		if data, err := encodeControl(MessageTypePong, struct{}{}, time.Now()); err == nil {
			c.enqueue(data)
		}
	case MessageTypeSync:
		c.sendState()
	default:
		c.sendError("UNSUPPORTED_TYPE", "不支持的消息类型: "+msg.Type)
	}
	return true
}

// WritePump 写入消息
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.sendMu.Lock()
				code, text := c.closeCode, c.closeText
				c.sendMu.Unlock()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
