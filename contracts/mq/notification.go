package mq

const (
	ReplayTargetWebhooks = "webhooks"
	ReplayTargetOutbox   = "outbox"
)

// NotificationReplayPayload 重放失败的 webhook 投递和 outbox 事件；Target 为空时两者都重放
type NotificationReplayPayload struct {
	Limit   int    `json:"limit"`
	Target  string `json:"target,omitempty"`
	// EventID 只重放指定的 outbox 事件
	EventID int64  `json:"event_id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}
