package notify

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 推送通知的固定外观；正文与跳转地址来自推送载荷。
const (
	notificationTitle = "Field Inspector"
	defaultBody       = "New inspection update available"
	notificationIcon  = "/icon-192.png"
	notificationBadge = "/icon-192.png"

	// ActionOpen 打开/聚焦通知携带的地址。
	ActionOpen = "open"
	// ActionClose 仅关闭通知，不做其它事情。
	ActionClose = "close"
)

// Notification 描述一条展示给用户的通知。
type Notification struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon"`
	Badge   string           `json:"badge"`
	Actions []Action         `json:"actions"`
	Data    NotificationData `json:"data"`
}

// Action 是通知上可点击的按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// NotificationData 携带点击 open 动作时要打开的地址。
type NotificationData struct {
	URL string `json:"url"`
}

// pushPayload 是推送载荷的可选 JSON 结构，字段均可缺省。
type pushPayload struct {
	Body string `json:"body"`
	URL  string `json:"url"`
}

// Notifier 把推送载荷转成通知并广播，同时维护待处理通知集合，
// 直到收到对应的点击事件。
type Notifier struct {
	hub    *Hub
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[string]Notification
}

// NewNotifier 创建通知中继。
func NewNotifier(hub *Hub, logger *logrus.Logger) *Notifier {
	return &Notifier{
		hub:     hub,
		logger:  logger,
		pending: make(map[string]Notification),
	}
}

// Push 依据推送载荷构造通知并广播给全部客户端。载荷可以是
// {"body":...,"url":...} 形式的 JSON，也可以是纯文本正文；为空时使用默认文案。
func (n *Notifier) Push(payload []byte) Notification {
	notification := Notification{
		ID:    uuid.NewString(),
		Title: notificationTitle,
		Body:  defaultBody,
		Icon:  notificationIcon,
		Badge: notificationBadge,
		Actions: []Action{
			{Action: ActionOpen, Title: "Open"},
			{Action: ActionClose, Title: "Close"},
		},
		Data: NotificationData{URL: "/"},
	}

	if text := strings.TrimSpace(string(payload)); text != "" {
		var parsed pushPayload
		if err := json.Unmarshal(payload, &parsed); err == nil {
			if parsed.Body != "" {
				notification.Body = parsed.Body
			}
			if parsed.URL != "" {
				notification.Data.URL = parsed.URL
			}
		} else {
			notification.Body = text
		}
	}

	n.mu.Lock()
	n.pending[notification.ID] = notification
	n.mu.Unlock()

	n.hub.Broadcast(Message{Type: MessageNotification, Notification: &notification})

	if n.logger != nil {
		n.logger.WithFields(logrus.Fields{
			"action":          "push",
			"notification_id": notification.ID,
		}).Info("notification relayed")
	}
	return notification
}

// Click 关闭指定通知。action 为 open 或为空时返回待打开的地址，
// close 动作不做任何后续处理。返回 false 表示通知不存在或已关闭。
func (n *Notifier) Click(id, action string) (openURL string, open bool, ok bool) {
	n.mu.Lock()
	notification, exists := n.pending[id]
	delete(n.pending, id)
	n.mu.Unlock()

	if !exists {
		return "", false, false
	}
	if action == ActionClose {
		return "", false, true
	}
	return notification.Data.URL, true, true
}

// PendingCount 返回尚未被点击处理的通知数量。
func (n *Notifier) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}
