package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/repository"
	"github.com/hitoshi/keystone/internal/rpc"
)

// WhoamiOp はtextビューのフォーマッターを登録するオペレーション。
const WhoamiOp = "urn:auth:whoami:1"

// NewRPCHandler はauthドメインのハンドラーを生成する。
// authドメインは匿名でも呼び出せるため、本人性が必要な操作は各ハンドラーで検査する。
func NewRPCHandler(svc *Service, identities repository.IdentityRepository) rpc.Handler {
	h := &rpcHandler{svc: svc, identities: identities}
	return rpc.Routes{
		"whoami:1":             h.whoami,
		"session:logout:1":     h.logout,
		"session:revoke_all:1": h.revokeAll,
		"provider:list:1":      h.providers,
		"provider:unlink:1":    h.unlink,
	}
}

// RegisterFormatters はauthドメインのビューフォーマッターを登録する。
func RegisterFormatters(formatters *rpc.FormatterRegistry) {
	formatters.Register(WhoamiOp, "text", "1", whoamiText)
}

type rpcHandler struct {
	svc        *Service
	identities repository.IdentityRepository
}

func (h *rpcHandler) whoami(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	if req.Auth.IsAnonymous() {
		return map[string]any{
			"authenticated": false,
			"roles":         []string{},
			"role_mask":     uint64(0),
		}, nil
	}
	ident, err := h.identities.FindByGUID(ctx, req.Auth.UserGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if ident == nil {
		return nil, model.NewUserNotFoundError()
	}
	return map[string]any{
		"authenticated":    true,
		"user":             ident.GUID,
		"display_name":     ident.DisplayName,
		"email":            ident.Email,
		"credits":          ident.Credits,
		"profile_image":    ident.ProfileImage,
		"default_provider": ident.DefaultProvider,
		"provider":         req.Auth.Provider,
		"roles":            req.Auth.Roles,
		"role_mask":        uint64(req.Auth.RoleMask),
	}, nil
}

func (h *rpcHandler) logout(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	if err := requireIdentity(req); err != nil {
		return nil, err
	}
	if err := h.svc.Logout(ctx, req.BearerToken); err != nil {
		return nil, err
	}
	return map[string]any{"revoked": true}, nil
}

func (h *rpcHandler) revokeAll(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	if err := requireIdentity(req); err != nil {
		return nil, err
	}
	n, err := h.svc.LogoutEverywhere(ctx, req.Auth.UserGUID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"revoked": n}, nil
}

func (h *rpcHandler) providers(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	out := map[string]any{"providers": h.svc.Providers()}
	if req.Auth.IsAnonymous() {
		return out, nil
	}
	links, err := h.identities.ListLinks(ctx, req.Auth.UserGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	linked := []string{}
	for _, l := range links {
		if l.Linked {
			linked = append(linked, l.Provider)
		}
	}
	out["linked"] = linked
	return out, nil
}

func (h *rpcHandler) unlink(ctx context.Context, req *rpc.Request) (map[string]any, error) {
	if err := requireIdentity(req); err != nil {
		return nil, err
	}
	name, err := req.RequireString("provider")
	if err != nil {
		return nil, err
	}
	severed, err := h.svc.Unlink(ctx, req.Auth.UserGUID, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"provider": name, "severed": severed}, nil
}

func requireIdentity(req *rpc.Request) error {
	if req.Auth.IsAnonymous() {
		return model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, nil)
	}
	return nil
}

// whoamiText はwhoamiの結果を1行のテキストにまとめる。
func whoamiText(_ context.Context, _ rpc.Operation, payload map[string]any) (map[string]any, error) {
	if authed, _ := payload["authenticated"].(bool); !authed {
		return map[string]any{"text": "anonymous"}, nil
	}
	name, _ := payload["display_name"].(string)
	if name == "" {
		name, _ = payload["user"].(string)
	}
	roles, _ := payload["roles"].([]string)
	return map[string]any{"text": fmt.Sprintf("%s (%s)", name, strings.Join(roles, ", "))}, nil
}
