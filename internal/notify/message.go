package notify

// MessageType 标记广播给客户端的消息类别。
type MessageType string

const (
	// MessageSyncStart 在后台同步启动时广播。
	MessageSyncStart MessageType = "SYNC_START"
	// MessageSyncComplete 表示同步成功结束。
	MessageSyncComplete MessageType = "SYNC_COMPLETE"
	// MessageSyncError 表示同步失败，Error 字段携带失败原因。
	MessageSyncError MessageType = "SYNC_ERROR"
	// MessageNotification 携带一条待展示的推送通知。
	MessageNotification MessageType = "NOTIFICATION"
)

// Message 是发往客户端的统一信封。纯通告性质，不要求投递保证。
type Message struct {
	Type         MessageType   `json:"type"`
	Tag          string        `json:"tag,omitempty"`
	Error        string        `json:"error,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// SyncStart 构造同步开始消息。
func SyncStart(tag string) Message {
	return Message{Type: MessageSyncStart, Tag: tag}
}

// SyncComplete 构造同步成功消息。
func SyncComplete(tag string) Message {
	return Message{Type: MessageSyncComplete, Tag: tag}
}

// SyncError 构造同步失败消息，reason 原样透出给客户端。
func SyncError(tag, reason string) Message {
	return Message{Type: MessageSyncError, Tag: tag, Error: reason}
}
