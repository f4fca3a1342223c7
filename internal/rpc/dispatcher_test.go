package rpc

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

// --- モック定義 ---

type mockResolver struct {
	resolveFn func(ctx context.Context, tc TransportContext) (model.AuthContext, error)
}

func (m *mockResolver) Resolve(ctx context.Context, tc TransportContext) (model.AuthContext, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, tc)
	}
	return model.AuthContext{}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveDispatch(domain, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, domain+"/"+outcome)
}

var _ AuthResolver = (*mockResolver)(nil)
var _ Observer = (*recordingObserver)(nil)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func bearerResolver() *mockResolver {
	return &mockResolver{
		resolveFn: func(ctx context.Context, tc TransportContext) (model.AuthContext, error) {
			switch {
			case tc.BearerToken == "good":
				return model.AuthContext{UserGUID: "user-1", RoleMask: 0b1, Roles: []string{"registered"}}, nil
			case tc.Hint != nil && tc.Hint.Platform == "discord" && tc.Hint.ExternalID == "42":
				return model.AuthContext{UserGUID: "user-1", RoleMask: 0b1, Roles: []string{"registered"}}, nil
			case tc.BearerToken != "":
				return model.AuthContext{}, model.NewUnauthenticatedError(model.ErrCodeInvalidToken, errors.New("bad token"))
			}
			return model.AuthContext{Roles: []string{}}, nil
		},
	}
}

func newTestDispatcher(t *testing.T, resolver AuthResolver, obs Observer) (*Dispatcher, *FormatterRegistry) {
	t.Helper()
	domains := NewDomainRegistry()
	echo := Routes{
		"echo:1": func(ctx context.Context, req *Request) (map[string]any, error) {
			return map[string]any{"user": req.Auth.UserGUID, "msg": req.String("msg")}, nil
		},
		"fail:1": func(ctx context.Context, req *Request) (map[string]any, error) {
			return nil, errors.New("database unreachable")
		},
		"forbid:1": func(ctx context.Context, req *Request) (map[string]any, error) {
			return nil, model.NewForbiddenError(model.ErrCodeRoleCeiling, "ceiling")
		},
	}
	if err := domains.Register(DomainPublic, NewPublicHandler("v1.2.3", func() time.Time { return fixedNow }), 0); err != nil {
		t.Fatal(err)
	}
	if err := domains.Register(DomainAuth, echo, 0); err != nil {
		t.Fatal(err)
	}
	if err := domains.Register(DomainRole, echo, 0); err != nil {
		t.Fatal(err)
	}
	if err := domains.Register(DomainConfig, echo, 0b100); err != nil {
		t.Fatal(err)
	}
	formatters := NewFormatterRegistry()
	opts := []Option{WithClock(func() time.Time { return fixedNow })}
	if obs != nil {
		opts = append(opts, WithObserver(obs))
	}
	return NewDispatcher(domains, NewSuffixRegistry(), formatters, resolver, opts...), formatters
}

// --- テスト ---

func TestDispatch_DefaultViewIsSynthesized(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)

	resp, err := d.Dispatch(context.Background(), "urn:public:version:1", nil, TransportContext{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Op != "urn:public:version:1:view:default:1" {
		t.Errorf("Op = %q, want default view appended", resp.Op)
	}
	if resp.Payload["version"] != "v1.2.3" {
		t.Errorf("Payload = %v", resp.Payload)
	}
	if resp.Version != 1 {
		t.Errorf("Version = %d, want 1", resp.Version)
	}
	if !resp.Timestamp.Equal(fixedNow) {
		t.Errorf("Timestamp = %v, want %v", resp.Timestamp, fixedNow)
	}
}

func TestDispatch_ExplicitDefaultViewIsIdempotent(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)
	ctx := context.Background()
	payload := map[string]any{"msg": "hello"}
	tc := TransportContext{BearerToken: "good"}

	implicit, err := d.Dispatch(ctx, "urn:role:echo:1", payload, tc)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	explicit, err := d.Dispatch(ctx, "urn:role:echo:1:view:default:1", payload, tc)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if !reflect.DeepEqual(implicit.Payload, explicit.Payload) {
		t.Errorf("payloads differ: %v vs %v", implicit.Payload, explicit.Payload)
	}
	// 明示指定時は要求したopがそのまま返る
	if explicit.Op != "urn:role:echo:1:view:default:1" {
		t.Errorf("explicit Op = %q", explicit.Op)
	}
	if implicit.Op != "urn:role:echo:1:view:default:1" {
		t.Errorf("implicit Op = %q", implicit.Op)
	}
}

func TestDispatch_ViewFormatterLookupFallsBackToContextWide(t *testing.T) {
	d, formatters := newTestDispatcher(t, bearerResolver(), nil)
	formatters.Register("urn:role:echo:1", "text", "", func(ctx context.Context, op Operation, payload map[string]any) (map[string]any, error) {
		return map[string]any{"text": "msg=" + payload["msg"].(string)}, nil
	})
	formatters.Register("urn:role:echo:1", "text", "2", func(ctx context.Context, op Operation, payload map[string]any) (map[string]any, error) {
		return map[string]any{"text": "v2"}, nil
	})
	tc := TransportContext{BearerToken: "good"}

	resp, err := d.Dispatch(context.Background(), "urn:role:echo:1:view:text:1", map[string]any{"msg": "hi"}, tc)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Payload["text"] != "msg=hi" {
		t.Errorf("Payload = %v, want context-wide formatter", resp.Payload)
	}
	if resp.Op != "urn:role:echo:1:view:text:1" {
		t.Errorf("Op = %q, want requested op echoed", resp.Op)
	}

	resp, err = d.Dispatch(context.Background(), "urn:role:echo:1:view:text:2", map[string]any{"msg": "hi"}, tc)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Payload["text"] != "v2" {
		t.Errorf("Payload = %v, want variant formatter", resp.Payload)
	}
}

func TestDispatch_UnknownViewContext(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)

	_, err := d.Dispatch(context.Background(), "urn:public:ping:1:view:html:1", nil, TransportContext{})
	if !model.IsKind(err, model.KindUnknownOperation) {
		t.Fatalf("error = %v, want unknown_operation", err)
	}
}

func TestDispatch_UnknownDomain(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)

	for _, op := range []string{"urn:nope:list:1", "urn:blob:list:1"} {
		_, err := d.Dispatch(context.Background(), op, nil, TransportContext{BearerToken: "good"})
		apiErr := model.AsAPIError(err)
		if apiErr.Kind != model.KindUnknownDomain || apiErr.StatusCode() != 404 {
			t.Errorf("%s: error = %v, want unknown_domain/404", op, err)
		}
	}
}

func TestDispatch_UnknownOperation(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)

	_, err := d.Dispatch(context.Background(), "urn:public:nothing:1", nil, TransportContext{})
	if !model.IsKind(err, model.KindUnknownOperation) {
		t.Fatalf("error = %v, want unknown_operation", err)
	}
}

func TestDispatch_NonExemptDomainRequiresIdentity(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "urn:role:echo:1", nil, TransportContext{})
	if apiErr := model.AsAPIError(err); apiErr.StatusCode() != 401 {
		t.Errorf("anonymous: error = %v, want 401", err)
	}

	_, err = d.Dispatch(ctx, "urn:role:echo:1", nil, TransportContext{BearerToken: "expired"})
	if !model.IsKind(err, model.KindUnauthenticated) {
		t.Errorf("bad token: error = %v, want unauthenticated", err)
	}
}

func TestDispatch_ExemptDomainFallsBackToAnonymous(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)

	resp, err := d.Dispatch(context.Background(), "urn:auth:echo:1", nil, TransportContext{BearerToken: "expired"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Payload["user"] != "" {
		t.Errorf("user = %v, want anonymous", resp.Payload["user"])
	}
}

func TestDispatch_RequiredMask(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)

	_, err := d.Dispatch(context.Background(), "urn:config:echo:1", nil, TransportContext{BearerToken: "good"})
	if !model.IsKind(err, model.KindForbidden) {
		t.Fatalf("error = %v, want forbidden", err)
	}
}

func TestDispatch_HandlerErrors(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)
	ctx := context.Background()
	tc := TransportContext{BearerToken: "good"}

	// 型付きエラーはそのまま伝播する
	_, err := d.Dispatch(ctx, "urn:role:forbid:1", nil, tc)
	apiErr := model.AsAPIError(err)
	if apiErr.Kind != model.KindForbidden || apiErr.Code != model.ErrCodeRoleCeiling {
		t.Errorf("error = %v, want forbidden/ROLE_CEILING", err)
	}

	// それ以外はupstreamとして包まれる
	_, err = d.Dispatch(ctx, "urn:role:fail:1", nil, tc)
	apiErr = model.AsAPIError(err)
	if apiErr.Kind != model.KindUpstream {
		t.Errorf("Kind = %q, want upstream", apiErr.Kind)
	}
	if apiErr.Err == nil || apiErr.Err.Error() != "database unreachable" {
		t.Errorf("cause = %v, want original error", apiErr.Err)
	}
}

func TestInvoke_HintResolvesLikeBearer(t *testing.T) {
	d, _ := newTestDispatcher(t, bearerResolver(), nil)
	ctx := context.Background()

	viaHTTP, err := d.Dispatch(ctx, "urn:role:echo:1", map[string]any{"msg": "x"}, TransportContext{BearerToken: "good"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	viaInvoke, err := d.Invoke(ctx, Invocation{
		Op:      "urn:role:echo:1",
		Payload: map[string]any{"msg": "x"},
		Hint:    Hint{Platform: "discord", ExternalID: "42"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !reflect.DeepEqual(viaHTTP, viaInvoke) {
		t.Errorf("responses differ: %+v vs %+v", viaHTTP, viaInvoke)
	}

	_, err = d.Invoke(ctx, Invocation{Op: "urn:role:echo:1", Hint: Hint{Platform: "discord", ExternalID: "unknown"}})
	if !model.IsKind(err, model.KindUnauthenticated) {
		t.Errorf("unknown hint: error = %v, want unauthenticated", err)
	}
}

func TestDispatch_ObservesOutcome(t *testing.T) {
	obs := &recordingObserver{}
	d, _ := newTestDispatcher(t, bearerResolver(), obs)
	ctx := context.Background()

	_, _ = d.Dispatch(ctx, "urn:public:ping:1", nil, TransportContext{})
	_, _ = d.Dispatch(ctx, "bad", nil, TransportContext{})
	_, _ = d.Dispatch(ctx, "urn:role:echo:1", nil, TransportContext{})

	want := []string{"public/ok", "unknown/protocol", "role/unauthenticated"}
	if !reflect.DeepEqual(obs.outcomes, want) {
		t.Errorf("outcomes = %v, want %v", obs.outcomes, want)
	}
}
