package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/keystone/internal/middleware"
	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/rpc"
)

const maxRPCBodyBytes = 1 << 20

// Dispatcher はRPCハンドラーが必要とするディスパッチャー。
type Dispatcher interface {
	Dispatch(ctx context.Context, rawOp string, payload map[string]any, tc rpc.TransportContext) (*model.Envelope, error)
}

// RPCHandler はHTTPリクエストをディスパッチャーへ渡す。
type RPCHandler struct {
	dispatcher Dispatcher
}

// NewRPCHandler はRPCHandlerを生成する。
func NewRPCHandler(dispatcher Dispatcher) *RPCHandler {
	return &RPCHandler{dispatcher: dispatcher}
}

// Invoke はパスで指定されたオペレーションを実行する。本文はペイロードそのもの。
// POST /rpc/{op}
func (h *RPCHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(w, r, &payload); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.dispatch(w, r, chi.URLParam(r, "op"), payload)
}

// InvokeEnvelope は封筒形式の本文 {op, payload} を実行する。
// POST /rpc
func (h *RPCHandler) InvokeEnvelope(w http.ResponseWriter, r *http.Request) {
	var env struct {
		Op      string         `json:"op"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeBody(w, r, &env); err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.dispatch(w, r, env.Op, env.Payload)
}

func (h *RPCHandler) dispatch(w http.ResponseWriter, r *http.Request, op string, payload map[string]any) {
	tc := rpc.TransportContext{
		BearerToken: bearerToken(r),
		Client:      clientInfo(r),
	}
	resp, err := h.dispatcher.Dispatch(r.Context(), op, payload, tc)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeBody はJSON本文を読み込む。空の本文は許可する。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return model.NewProtocolError(model.ErrCodeInvalidPayload, "request body too large")
	}
	return model.NewProtocolError(model.ErrCodeInvalidPayload, "request body must be a JSON object")
}

// TrackingResolver は認証に成功したユーザーをアクセスログ用のRequestInfoに記録する。
func TrackingResolver(next rpc.AuthResolver) rpc.AuthResolver {
	return trackingResolver{next: next}
}

type trackingResolver struct {
	next rpc.AuthResolver
}

func (t trackingResolver) Resolve(ctx context.Context, tc rpc.TransportContext) (model.AuthContext, error) {
	ac, err := t.next.Resolve(ctx, tc)
	if err == nil && !ac.IsAnonymous() {
		if info := middleware.RequestInfoFromContext(ctx); info != nil {
			info.SetUserGUID(ac.UserGUID)
		}
	}
	return ac, err
}
