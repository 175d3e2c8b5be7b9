package mq

import "time"

// RecategorizePayload 为空 MessageIDs 时对未分类消息做一次 sweep
type RecategorizePayload struct {
	MessageIDs []string `json:"message_ids,omitempty"`
	TraceID    string   `json:"trace_id,omitempty"`
}

// MessageEnrichedPayload 分类结果写入后经 outbox 发布
type MessageEnrichedPayload struct {
	MessageID  string    `json:"message_id"`
	AccountID  string    `json:"account_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	EnrichedAt time.Time `json:"enriched_at"`
}
