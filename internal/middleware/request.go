// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	mathrand "math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hitoshi/keystone/internal/model"
)

const (
	// RequestIDHeader はリクエストIDを伝搬するヘッダー。
	RequestIDHeader = "X-Request-ID"
	// FingerprintHeader はクライアントが送る端末フィンガープリントのヘッダー。
	FingerprintHeader = "X-Device-Fingerprint"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var requestInfoKey = contextKey("request_info")

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// RequestInfo はリクエスト単位の付帯情報。
// 認証後にハンドラーがUserGUIDを書き込み、アクセスログがそれを読む。
type RequestInfo struct {
	ID     string
	Client model.ClientInfo

	mu       sync.Mutex
	userGUID string
}

// SetUserGUID は認証済みユーザーを記録する。
func (ri *RequestInfo) SetUserGUID(guid string) {
	ri.mu.Lock()
	ri.userGUID = guid
	ri.mu.Unlock()
}

// UserGUID は記録済みのユーザーを返す。
func (ri *RequestInfo) UserGUID() string {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.userGUID
}

// NewRequestID はソート可能なリクエストIDを生成する。
func NewRequestID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewRequestInfoMiddleware はリクエストIDとクライアント情報をコンテキストに注入する。
// 受信したX-Request-IDが正しいULIDであれば引き継ぐ。
func NewRequestInfoMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if _, err := ulid.ParseStrict(id); err != nil {
				id = NewRequestID()
			}
			info := &RequestInfo{ID: id, Client: ClientInfoFromRequest(r)}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ContextWithRequestInfo(r.Context(), info)))
		})
	}
}

// ContextWithRequestInfo はコンテキストにRequestInfoを注入する。
func ContextWithRequestInfo(ctx context.Context, info *RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey, info)
}

// RequestInfoFromContext はRequestInfoを返す。ミドルウェアを通っていなければnil。
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	info, _ := ctx.Value(requestInfoKey).(*RequestInfo)
	return info
}

// ClientInfoFromRequest はフィンガープリント、User-Agent、送信元IPを取り出す。
func ClientInfoFromRequest(r *http.Request) model.ClientInfo {
	return model.ClientInfo{
		Fingerprint: strings.TrimSpace(r.Header.Get(FingerprintHeader)),
		UserAgent:   r.UserAgent(),
		IP:          clientIP(r),
	}
}

// clientIP はX-Forwarded-Forの先頭、なければRemoteAddrのホスト部を返す。
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
