package rpc

import (
	"context"
	"fmt"

	"github.com/hitoshi/keystone/internal/model"
)

// Request はドメインハンドラーに渡されるリクエスト。
type Request struct {
	Op          Operation
	Payload     map[string]any
	Auth        model.AuthContext
	BearerToken string // HTTP経由の場合のみ設定される
	Client      model.ClientInfo
}

// String はペイロードの文字列値を返す。存在しない場合は空文字を返す。
func (r *Request) String(key string) string {
	v, _ := r.Payload[key].(string)
	return v
}

// RequireString は必須の文字列値を返す。
func (r *Request) RequireString(key string) (string, error) {
	v, ok := r.Payload[key].(string)
	if !ok || v == "" {
		return "", model.NewProtocolError(model.ErrCodeInvalidPayload, fmt.Sprintf("%q is required", key))
	}
	return v, nil
}

// Bool はペイロードの真偽値を返す。
func (r *Request) Bool(key string) bool {
	v, _ := r.Payload[key].(bool)
	return v
}

// Int はペイロードの整数値を返す。JSONの数値はfloat64で届く。
func (r *Request) Int(key string) (int, bool) {
	switch v := r.Payload[key].(type) {
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// Handler はドメインハンドラー。サブルーティングはハンドラー自身が行う。
type Handler interface {
	Handle(ctx context.Context, req *Request) (map[string]any, error)
}

// HandlerFunc は関数をHandlerとして扱うアダプター。
type HandlerFunc func(ctx context.Context, req *Request) (map[string]any, error)

// Handle はHandlerを実装する。
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (map[string]any, error) {
	return f(ctx, req)
}

// Routes はOperation.Key()（例: "session:logout:1"）でサブルーティングするHandler。
type Routes map[string]HandlerFunc

// Handle はHandlerを実装する。
func (rt Routes) Handle(ctx context.Context, req *Request) (map[string]any, error) {
	h, ok := rt[req.Op.Key()]
	if !ok {
		return nil, model.NewUnknownOperationError(req.Op.Base())
	}
	return h(ctx, req)
}

type domainEntry struct {
	handler      Handler
	requiredMask model.RoleMask
}

// DomainRegistry はドメインとハンドラーの静的な対応表。起動時に登録する。
type DomainRegistry struct {
	entries map[Domain]domainEntry
}

// NewDomainRegistry はDomainRegistryを生成する。
func NewDomainRegistry() *DomainRegistry {
	return &DomainRegistry{entries: make(map[Domain]domainEntry)}
}

// Register はドメインにハンドラーを登録する。requiredMaskが0以外の場合、
// 呼び出し元はそのいずれかのビットを保持している必要がある。
func (r *DomainRegistry) Register(d Domain, h Handler, requiredMask model.RoleMask) error {
	if _, ok := ParseDomain(string(d)); !ok {
		return fmt.Errorf("unknown domain %q", d)
	}
	if _, ok := r.entries[d]; ok {
		return fmt.Errorf("domain %q already registered", d)
	}
	r.entries[d] = domainEntry{handler: h, requiredMask: requiredMask}
	return nil
}

func (r *DomainRegistry) lookup(d Domain) (domainEntry, bool) {
	e, ok := r.entries[d]
	return e, ok
}
