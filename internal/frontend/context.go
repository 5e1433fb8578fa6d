package frontend

import "context"

type contextKey string

const clientIPContextKey = contextKey("client_ip")

// WithClientIP はブラウザのIPアドレスをコンテキストに設定する。
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPContextKey, ip)
}

// ClientIPFromContext はWithClientIPで設定したIPアドレスを返す。未設定の場合は空文字。
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPContextKey).(string)
	return ip
}
