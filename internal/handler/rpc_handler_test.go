package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/keystone/internal/middleware"
	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/rpc"
)

type mockDispatcher struct {
	dispatchFn func(ctx context.Context, rawOp string, payload map[string]any, tc rpc.TransportContext) (*model.Envelope, error)
}

func (m *mockDispatcher) Dispatch(ctx context.Context, rawOp string, payload map[string]any, tc rpc.TransportContext) (*model.Envelope, error) {
	return m.dispatchFn(ctx, rawOp, payload, tc)
}

func echoDispatcher(got *rpc.TransportContext, gotOp *string, gotPayload *map[string]any) *mockDispatcher {
	return &mockDispatcher{
		dispatchFn: func(_ context.Context, op string, payload map[string]any, tc rpc.TransportContext) (*model.Envelope, error) {
			*got, *gotOp, *gotPayload = tc, op, payload
			return &model.Envelope{
				Op:        op,
				Payload:   map[string]any{"ok": true},
				Version:   1,
				Timestamp: time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC),
			}, nil
		},
	}
}

func rpcRouter(d Dispatcher) http.Handler {
	h := NewRPCHandler(d)
	r := chi.NewRouter()
	r.Post("/rpc", h.InvokeEnvelope)
	r.Post("/rpc/{op}", h.Invoke)
	return r
}

func TestRPCHandler_Invoke_PathOperation(t *testing.T) {
	var tc rpc.TransportContext
	var op string
	var payload map[string]any
	router := rpcRouter(echoDispatcher(&tc, &op, &payload))

	req := httptest.NewRequest(http.MethodPost, "/rpc/role.list:v1", strings.NewReader(`{"limit":5}`))
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set("X-Device-Fingerprint", "fp")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if op != "role.list:v1" || payload["limit"] != float64(5) {
		t.Errorf("op = %q, payload = %v", op, payload)
	}
	if tc.BearerToken != "tok" || tc.Client.Fingerprint != "fp" || tc.Hint != nil {
		t.Errorf("transport context = %+v", tc)
	}

	var env model.Envelope
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Op != "role.list:v1" || env.Version != 1 || env.Payload["ok"] != true {
		t.Errorf("envelope = %+v", env)
	}
}

func TestRPCHandler_InvokeEnvelope(t *testing.T) {
	var tc rpc.TransportContext
	var op string
	var payload map[string]any
	router := rpcRouter(echoDispatcher(&tc, &op, &payload))

	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"op":"public.version","payload":{"a":"b"}}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if op != "public.version" || payload["a"] != "b" {
		t.Errorf("op = %q, payload = %v", op, payload)
	}
}

func TestRPCHandler_EmptyBodyIsAllowed(t *testing.T) {
	var tc rpc.TransportContext
	var op string
	var payload map[string]any
	router := rpcRouter(echoDispatcher(&tc, &op, &payload))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc/public.version", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if payload != nil {
		t.Errorf("payload = %v, want nil", payload)
	}
}

func TestRPCHandler_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "不正なJSON", body: `{"a":`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidPayload},
		{name: "配列の本文", body: `[1,2]`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidPayload},
		{name: "未知のドメイン", body: `{}`, err: model.NewUnknownDomainError("nope"), wantStatus: http.StatusNotFound, wantCode: model.ErrCodeUnknownDomain},
		{name: "未認証", body: `{}`, err: model.NewUnauthenticatedError(model.ErrCodeInvalidToken, nil), wantStatus: http.StatusUnauthorized, wantCode: model.ErrCodeInvalidToken},
		{name: "権限不足", body: `{}`, err: model.NewForbiddenError(model.ErrCodeForbidden, "role"), wantStatus: http.StatusForbidden, wantCode: model.ErrCodeForbidden},
		{name: "プロバイダー障害", body: `{}`, err: model.NewUpstreamError(model.ErrCodeProviderUnavailable, errors.New("down")), wantStatus: http.StatusBadGateway, wantCode: model.ErrCodeProviderUnavailable},
		{name: "予期しないエラー", body: `{}`, err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			d := &mockDispatcher{
				dispatchFn: func(context.Context, string, map[string]any, rpc.TransportContext) (*model.Envelope, error) {
					called = true
					return nil, tt.err
				},
			}
			w := httptest.NewRecorder()
			rpcRouter(d).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc/auth.whoami", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body middleware.ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.err == nil && called {
				t.Error("dispatcher must not be called for a malformed body")
			}
		})
	}
}

func TestRPCHandler_BodyTooLarge(t *testing.T) {
	d := &mockDispatcher{
		dispatchFn: func(context.Context, string, map[string]any, rpc.TransportContext) (*model.Envelope, error) {
			t.Fatal("dispatcher must not be called")
			return nil, nil
		},
	}
	big := `{"blob":"` + strings.Repeat("x", maxRPCBodyBytes) + `"}`
	w := httptest.NewRecorder()
	rpcRouter(d).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc/public.version", strings.NewReader(big)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

type stubResolver struct {
	ac  model.AuthContext
	err error
}

func (s stubResolver) Resolve(context.Context, rpc.TransportContext) (model.AuthContext, error) {
	return s.ac, s.err
}

func TestTrackingResolver_RecordsAuthenticatedUser(t *testing.T) {
	tests := []struct {
		name     string
		resolver stubResolver
		want     string
	}{
		{name: "認証済み", resolver: stubResolver{ac: model.AuthContext{UserGUID: "u1"}}, want: "u1"},
		{name: "匿名", resolver: stubResolver{ac: model.AuthContext{}}, want: ""},
		{name: "失敗", resolver: stubResolver{ac: model.AuthContext{UserGUID: "u1"}, err: model.NewUnauthenticatedError(model.ErrCodeInvalidToken, nil)}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &middleware.RequestInfo{ID: "r"}
			ctx := middleware.ContextWithRequestInfo(context.Background(), info)

			TrackingResolver(tt.resolver).Resolve(ctx, rpc.TransportContext{})
			if got := info.UserGUID(); got != tt.want {
				t.Errorf("user guid = %q, want %q", got, tt.want)
			}
		})
	}
}
