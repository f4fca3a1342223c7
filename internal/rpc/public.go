package rpc

import (
	"context"
	"time"
)

// NewPublicHandler は匿名で呼び出せるpublicドメインのハンドラーを生成する。
func NewPublicHandler(version string, now func() time.Time) Handler {
	return Routes{
		"ping:1": func(ctx context.Context, req *Request) (map[string]any, error) {
			return map[string]any{"pong": true, "time": now().UTC().Format(time.RFC3339)}, nil
		},
		"version:1": func(ctx context.Context, req *Request) (map[string]any, error) {
			return map[string]any{"version": version}, nil
		},
	}
}
