package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub WebSocket连接管理中心，按房间索引在线连接
type Hub struct {
	// 客户端连接池
	clients   map[string]*Client
	rooms     map[string]map[string]*Client
	clientsMu sync.RWMutex

	// 注册/注销通道
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger *zap.Logger
}

// NewHub 创建Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 运行Hub，ctx 结束时断开所有连接
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// registerClient 注册客户端
func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	room, ok := h.rooms[client.InteractionID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[client.InteractionID] = room
	}
	room[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.String("interaction_id", client.InteractionID))
}

// unregisterClient 注销客户端
func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		if room, ok := h.rooms[client.InteractionID]; ok {
			delete(room, client.ID)
			if len(room) == 0 {
				delete(h.rooms, client.InteractionID)
			}
		}
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.String("interaction_id", client.InteractionID))
}

// closeAll 结束所有订阅，连接随之关闭
func (h *Hub) closeAll() {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	for _, c := range clients {
		c.sub.Close()
	}
}

// Register 注册客户端（公开方法）
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister 注销客户端（公开方法）
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetOnlineCount 获取在线连接数
func (h *Hub) GetOnlineCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// GetRoomCount 获取房间内的在线连接数
func (h *Hub) GetRoomCount(interactionID string) int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.rooms[interactionID])
}
