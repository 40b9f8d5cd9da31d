package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// mailboxDepth 限制单个客户端未取走的消息数量，超出后丢弃最旧一条。
const mailboxDepth = 64

// Hub 维护当前连接的客户端集合，向全部客户端广播消息。
// 客户端以注册换取 ID，之后轮询各自的信箱取走消息。
type Hub struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	clients map[string]chan Message
}

// NewHub 创建空的客户端注册表。
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[string]chan Message),
	}
}

// Register 登记一个新客户端并返回其 ID。
func (h *Hub) Register() string {
	id := uuid.NewString()

	h.mu.Lock()
	h.clients[id] = make(chan Message, mailboxDepth)
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.WithFields(logrus.Fields{"action": "client_register", "client_id": id}).Debug("client connected")
	}
	return id
}

// Unregister 注销客户端；返回是否存在。
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	_, ok := h.clients[id]
	delete(h.clients, id)
	h.mu.Unlock()
	return ok
}

// Known 报告客户端 ID 是否仍在注册表内。
func (h *Hub) Known(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[id]
	return ok
}

// Count 返回当前连接的客户端数量。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast 把消息放入每个客户端的信箱。信箱满时丢弃最旧一条，
// 消息本身是通告性质，允许丢失。
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	boxes := make([]chan Message, 0, len(h.clients))
	for _, box := range h.clients {
		boxes = append(boxes, box)
	}
	h.mu.RUnlock()

	for _, box := range boxes {
		select {
		case box <- msg:
			continue
		default:
		}
		// 腾出最旧一条再投递；并发情况下两步都可能落空，接受丢失。
		select {
		case <-box:
		default:
		}
		select {
		case box <- msg:
		default:
		}
	}
}

// Drain 取走指定客户端积压的全部消息。信箱为空且 wait 大于零时，
// 最多阻塞 wait 等待第一条消息到达。返回 false 表示客户端未注册。
func (h *Hub) Drain(ctx context.Context, id string, wait time.Duration) ([]Message, bool) {
	h.mu.RLock()
	box, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}

	messages := drainBox(box)
	if len(messages) > 0 || wait <= 0 {
		return messages, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case msg := <-box:
		return append([]Message{msg}, drainBox(box)...), true
	case <-timer.C:
		return nil, true
	case <-ctx.Done():
		return nil, true
	}
}

func drainBox(box chan Message) []Message {
	var messages []Message
	for {
		select {
		case msg := <-box:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
}
