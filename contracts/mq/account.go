package mq

// AccountCommandPayload account.connect / account.disconnect 命令
type AccountCommandPayload struct {
	AccountID string `json:"account_id"`
	TraceID   string `json:"trace_id,omitempty"`
}
