package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/repository"
	"github.com/hitoshi/keystone/internal/rpc"
)

// RoleNamer はロールマスクをロール名に変換する。
type RoleNamer interface {
	MaskToNames(mask model.RoleMask) []string
}

// ContextResolver はBearerトークンまたはプラットフォームのヒントからAuthContextを構築する。
type ContextResolver struct {
	sessions   SessionStore
	identities repository.IdentityRepository
	platform   repository.PlatformLinkRepository
	roles      RoleNamer
}

var _ rpc.AuthResolver = (*ContextResolver)(nil)

// NewContextResolver はContextResolverを生成する。
func NewContextResolver(sessions SessionStore, identities repository.IdentityRepository, platform repository.PlatformLinkRepository, roles RoleNamer) *ContextResolver {
	return &ContextResolver{
		sessions:   sessions,
		identities: identities,
		platform:   platform,
		roles:      roles,
	}
}

// Resolve はAuthContextを返す。
// 認証材料がない場合はUnauthenticated、未登録のヒントは匿名コンテキストとなる。
func (r *ContextResolver) Resolve(ctx context.Context, tc rpc.TransportContext) (model.AuthContext, error) {
	switch {
	case tc.BearerToken != "":
		return r.fromBearer(ctx, tc)
	case tc.Hint != nil:
		return r.fromHint(ctx, *tc.Hint)
	}
	return model.AuthContext{}, model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, errors.New("no credential presented"))
}

func (r *ContextResolver) fromBearer(ctx context.Context, tc rpc.TransportContext) (model.AuthContext, error) {
	ds, err := r.sessions.GetByAccessToken(ctx, tc.BearerToken, tc.Client)
	if err != nil {
		return model.AuthContext{}, err
	}
	ident, err := r.activeIdentity(ctx, ds.UserGUID)
	if err != nil {
		return model.AuthContext{}, err
	}
	ac := r.contextFor(ident)
	ac.Provider = ds.Device.Provider
	ac.Claims = map[string]any{
		"session_guid": ds.Device.SessionGUID,
		"device_guid":  ds.Device.GUID,
	}
	return ac, nil
}

func (r *ContextResolver) fromHint(ctx context.Context, hint rpc.Hint) (model.AuthContext, error) {
	if hint.Platform == "" || hint.ExternalID == "" {
		return anonymous(), nil
	}
	guid, err := r.platform.FindUserGUID(ctx, hint.Platform, hint.ExternalID)
	if err != nil {
		return model.AuthContext{}, model.NewUpstreamError(model.ErrCodeInternal, fmt.Errorf("failed to look up platform link: %w", err))
	}
	if guid == "" {
		return anonymous(), nil
	}
	ident, err := r.activeIdentity(ctx, guid)
	if err != nil {
		return model.AuthContext{}, err
	}
	ac := r.contextFor(ident)
	ac.Claims = map[string]any{"platform": hint.Platform}
	return ac, nil
}

func (r *ContextResolver) activeIdentity(ctx context.Context, guid string) (*model.Identity, error) {
	ident, err := r.identities.FindByGUID(ctx, guid)
	if err != nil {
		return nil, model.NewUpstreamError(model.ErrCodeInternal, fmt.Errorf("failed to find identity: %w", err))
	}
	if ident == nil || ident.IsSevered() {
		return nil, model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, errors.New("identity is not active"))
	}
	return ident, nil
}

func (r *ContextResolver) contextFor(ident *model.Identity) model.AuthContext {
	return model.AuthContext{
		UserGUID: ident.GUID,
		RoleMask: ident.RoleMask,
		Roles:    r.roles.MaskToNames(ident.RoleMask),
	}
}

func anonymous() model.AuthContext {
	return model.AuthContext{Roles: []string{}}
}
