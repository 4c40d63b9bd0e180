package game

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 订阅关闭原因
const (
	CloseReasonUnsubscribed   = "unsubscribed"
	CloseReasonResyncRequired = "resync_required"
	CloseReasonRoomClosed     = "room_closed"
	CloseReasonLeft           = "left"
)

// Subscription 单个连接的事件订阅，队列有界
type Subscription struct {
	ID     string
	UserID string
	IsDM   bool

	ch        chan Event
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
	bus       *EventBus
}

// Events 事件通道，订阅结束后关闭
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Reason 订阅关闭原因，未关闭时为空
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.ID)
}

func (s *Subscription) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.ch)
	})
}

// EventBus 房间内事件扇出。Publish 在房间锁内调用，顺序即提交顺序；
// 发送不阻塞，队列满的订阅者被断开并要求重新同步。
type EventBus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	logger *zap.Logger
}

// NewEventBus 创建事件总线
func NewEventBus(buffer int, logger *zap.Logger) *EventBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventBus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe 添加订阅者，总线已关闭返回 false
func (b *EventBus) Subscribe(userID string, dm bool) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, false
	}
	sub := &Subscription{
		ID:     uuid.New().String(),
		UserID: userID,
		IsDM:   dm,
		ch:     make(chan Event, b.buffer),
		bus:    b,
	}
	b.subs[sub.ID] = sub
	return sub, true
}

// Unsubscribe 移除订阅者
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		sub.close(CloseReasonUnsubscribed)
	}
}

// CloseUser 关闭某用户的全部订阅，返回关闭数量
func (b *EventBus) CloseUser(userID, reason string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for id, sub := range b.subs {
		if sub.UserID == userID {
			delete(b.subs, id)
			sub.close(reason)
			n++
		}
	}
	return n
}

// Publish 按顺序投递事件
func (b *EventBus) Publish(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, e := range events {
		r, isRestricted := e.(restricted)
		for id, sub := range b.subs {
			if isRestricted && !r.visibleTo(sub.UserID, sub.IsDM) {
				continue
			}
			select {
			case sub.ch <- e:
			default:
				delete(b.subs, id)
				sub.close(CloseReasonResyncRequired)
				b.logger.Warn("订阅者队列已满，断开并要求重新同步",
					zap.String("subscription_id", id),
					zap.String("user_id", sub.UserID))
			}
		}
	}
}

// Close 发送终止事件并关闭所有订阅
func (b *EventBus) Close(terminal Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		if terminal != nil {
			select {
			case sub.ch <- terminal:
			default:
				// 队列已满时丢弃最旧的一条，保证终止事件送达
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- terminal:
				default:
				}
			}
		}
		sub.close(CloseReasonRoomClosed)
		delete(b.subs, id)
	}
}

// Count 当前订阅者数量
func (b *EventBus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
