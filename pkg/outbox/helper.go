package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"onebox/pkg/trace"
)

// InsertEventInTx 在事务中插入事件到 outbox（辅助函数）
// payload 为 map 时会附带当前 context 的 trace_id
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID string,
	routingKey string,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	payloadJSON = withTraceID(ctx, payloadJSON)

	event := &Event{
		AggregateType: aggregateType,
		AggregateID:   &aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}

	return repo.InsertEvent(ctx, tx, event)
}

func withTraceID(ctx context.Context, payload json.RawMessage) json.RawMessage {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return payload
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload
	}
	if _, ok := m["trace_id"]; ok {
		return payload
	}
	m["trace_id"] = traceID
	out, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return out
}

// contextFromPayload 从 payload 中提取 trace_id
func contextFromPayload(ctx context.Context, payload json.RawMessage) context.Context {
	var m struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &m); err == nil && m.TraceID != "" {
		return trace.WithContext(ctx, m.TraceID)
	}
	return ctx
}
