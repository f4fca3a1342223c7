package role

import (
	"context"
	"testing"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/rpc"
)

func handle(t *testing.T, h rpc.Handler, raw string, auth model.AuthContext, payload map[string]any) (map[string]any, error) {
	t.Helper()
	op, err := rpc.Parse(raw, rpc.NewSuffixRegistry())
	if err != nil {
		t.Fatalf("Parse(%q) error = %v", raw, err)
	}
	return h.Handle(context.Background(), &rpc.Request{Op: op, Payload: payload, Auth: auth})
}

func TestRPCHandler_ListAndGrant(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewRPCHandler(svc)
	actor := model.AuthContext{UserGUID: "actor", RoleMask: 0b1000}

	out, err := handle(t, h, "urn:role:list:1", actor, nil)
	if err != nil {
		t.Fatalf("list error = %v", err)
	}
	roles := out["roles"].([]map[string]any)
	if len(roles) != 4 {
		t.Errorf("visible roles = %d, want 4", len(roles))
	}

	out, err = handle(t, h, "urn:role:grant:1", actor, map[string]any{"user": "target", "role": "moderator"})
	if err != nil {
		t.Fatalf("grant error = %v", err)
	}
	if out["role_mask"] != uint64(0b1001) {
		t.Errorf("role_mask = %v, want 9", out["role_mask"])
	}

	_, err = handle(t, h, "urn:role:grant:1", actor, map[string]any{"user": "target", "role": "admin"})
	if !model.IsKind(err, model.KindForbidden) {
		t.Errorf("grant above ceiling error = %v, want forbidden", err)
	}
}

func TestRPCHandler_PayloadValidation(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewRPCHandler(svc)
	actor := model.AuthContext{UserGUID: "actor", RoleMask: 0b100000}

	_, err := handle(t, h, "urn:role:create:1", actor, map[string]any{"name": "x", "bit": 1.5})
	if !model.IsKind(err, model.KindProtocol) {
		t.Errorf("non-integer bit error = %v, want protocol", err)
	}
	_, err = handle(t, h, "urn:role:grant:1", actor, map[string]any{"role": "member"})
	if !model.IsKind(err, model.KindProtocol) {
		t.Errorf("missing user error = %v, want protocol", err)
	}
	out, err := handle(t, h, "urn:role:create:1", actor, map[string]any{"name": "support", "bit": float64(6)})
	if err == nil {
		t.Errorf("bit above ceiling should fail, got %v", out)
	}
	_, err = handle(t, h, "urn:role:rename:1", actor, nil)
	if !model.IsKind(err, model.KindUnknownOperation) {
		t.Errorf("unknown op error = %v", err)
	}
}
