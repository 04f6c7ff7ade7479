package messaging

import "context"

type contextKey string

const contextKeyCorrelationID contextKey = "correlation_id"

// WithCorrelationID 在 context 中设置 correlation_id，空值不设置
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKeyCorrelationID, id)
}

// CorrelationID 从 context 中获取 correlation_id，不存在时返回空字符串
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return id
	}
	return ""
}

// StampCorrelation 出站事件未设置 correlationID 时从 context 继承
func StampCorrelation(ctx context.Context, evt *Event) {
	if evt != nil && evt.CorrelationID == "" {
		evt.CorrelationID = CorrelationID(ctx)
	}
}
