package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/hitoshi/keystone/internal/model"
)

// NewRecoveryMiddleware はハンドラー内のpanicを捕捉し、統一フォーマットの500を返す。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if info := RequestInfoFromContext(r.Context()); info != nil {
					attrs = append(attrs, slog.String("request_id", info.ID))
				}
				slog.Error("panic recovered", attrs...)
				WriteErrorResponse(w, model.NewInternalError(fmt.Errorf("panic: %v", rec)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
