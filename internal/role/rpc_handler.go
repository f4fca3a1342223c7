package role

import (
	"context"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/rpc"
)

// NewRPCHandler はroleドメインのハンドラーを生成する。
func NewRPCHandler(svc *Service) rpc.Handler {
	h := &rpcHandler{svc: svc}
	return rpc.Routes{
		"list:1":   h.list,
		"create:1": h.create,
		"update:1": h.update,
		"delete:1": h.delete,
		"grant:1":  h.grant,
		"revoke:1": h.revoke,
	}
}

type rpcHandler struct {
	svc *Service
}

func (h *rpcHandler) list(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	roles := h.svc.List(req.Auth)
	out := make([]map[string]any, 0, len(roles))
	for _, r := range roles {
		out = append(out, roleJSON(r))
	}
	return map[string]any{
		"roles":   out,
		"ceiling": uint64(MaxGrantableMask(req.Auth.RoleMask)),
	}, nil
}

func (h *rpcHandler) create(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	r, err := roleFromPayload(req)
	if err != nil {
		return nil, err
	}
	if err := h.svc.CreateRole(ctx, req.Auth, r); err != nil {
		return nil, err
	}
	return map[string]any{"role": roleJSON(r)}, nil
}

func (h *rpcHandler) update(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	r, err := roleFromPayload(req)
	if err != nil {
		return nil, err
	}
	if err := h.svc.UpdateRole(ctx, req.Auth, r.Name, r); err != nil {
		return nil, err
	}
	return map[string]any{"role": roleJSON(r)}, nil
}

func (h *rpcHandler) delete(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return nil, err
	}
	if err := h.svc.DeleteRole(ctx, req.Auth, name); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": name}, nil
}

func (h *rpcHandler) grant(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	return h.changeMask(ctx, req, h.svc.Grant)
}

func (h *rpcHandler) revoke(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	return h.changeMask(ctx, req, h.svc.Revoke)
}

func (h *rpcHandler) changeMask(ctx context.Context, req *rpc.Request,
	fn func(context.Context, model.AuthContext, string, string) (model.RoleMask, error)) (map[string]any, error) {
	user, err := req.RequireString("user")
	if err != nil {
		return nil, err
	}
	roleName, err := req.RequireString("role")
	if err != nil {
		return nil, err
	}
	mask, err := fn(ctx, req.Auth, user, roleName)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"user":      user,
		"role_mask": uint64(mask),
		"roles":     h.svc.Registry().MaskToNames(mask),
	}, nil
}

func roleFromPayload(req *rpc.Request) (model.Role, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return model.Role{}, err
	}
	bit, ok := req.Int("bit")
	if !ok {
		return model.Role{}, model.NewProtocolError(model.ErrCodeInvalidPayload, "\"bit\" must be an integer")
	}
	return model.Role{Name: name, Bit: bit, Display: req.String("display")}, nil
}

func roleJSON(r model.Role) map[string]any {
	return map[string]any{"name": r.Name, "bit": r.Bit, "display": r.Display, "mask": uint64(r.Mask())}
}
