// Package auth はログインフローの統括、認証コンテキストの解決、authドメインのRPCを提供する。
package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/keystone/internal/identity"
	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/provider"
	"github.com/hitoshi/keystone/internal/session"
)

// Providers は有効なプロバイダーの集合。
type Providers interface {
	Get(name string) (provider.AuthProvider, error)
	Names() []string
}

// IdentityResolver はプロバイダーの認可コードからIdentityを解決する。
type IdentityResolver interface {
	Resolve(ctx context.Context, req identity.ResolveRequest) (*identity.Resolution, error)
	Unlink(ctx context.Context, userGUID, provider string) (bool, error)
}

// SessionStore は端末セッションを管理する。
type SessionStore interface {
	CreateSession(ctx context.Context, userGUID, provider string, client model.ClientInfo) (*session.Grant, error)
	Refresh(ctx context.Context, rotationToken string, client model.ClientInfo) (*session.Refreshed, error)
	GetByAccessToken(ctx context.Context, accessToken string, client model.ClientInfo) (*model.DeviceSession, error)
	RevokeDevice(ctx context.Context, accessToken string) error
	RevokeAllForUser(ctx context.Context, userGUID string) (int64, error)
}

// LoginObserver はログイン・リフレッシュの結果を観測する。
type LoginObserver interface {
	ObserveLogin(provider, outcome string)
	ObserveRefresh(outcome string)
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Identity *model.Identity
	Grant    *session.Grant
	Created  bool
	Relinked bool
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	providers Providers
	resolver  IdentityResolver
	sessions  SessionStore
	observer  LoginObserver
}

// NewService はServiceを生成する。observerはnilでもよい。
func NewService(providers Providers, resolver IdentityResolver, sessions SessionStore, observer LoginObserver) *Service {
	return &Service{
		providers: providers,
		resolver:  resolver,
		sessions:  sessions,
		observer:  observer,
	}
}

// Providers は有効なプロバイダー名を返す。
func (s *Service) Providers() []string {
	return s.providers.Names()
}

// LoginURL はプロバイダーの認可URLを生成する。
func (s *Service) LoginURL(providerName, state string) (string, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return "", err
	}
	return p.LoginURL(state), nil
}

// HandleCallback は認可コードからIdentityを解決し、端末セッションを発行する。
func (s *Service) HandleCallback(ctx context.Context, req identity.ResolveRequest, client model.ClientInfo) (*LoginResult, error) {
	res, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		s.observeLogin(req.Provider, err)
		return nil, err
	}

	grant, err := s.sessions.CreateSession(ctx, res.Identity.GUID, res.Provider, client)
	if err != nil {
		s.observeLogin(req.Provider, err)
		return nil, err
	}

	s.observeLogin(req.Provider, nil)
	slog.Info("user logged in",
		slog.String("user_guid", res.Identity.GUID),
		slog.String("provider", res.Provider),
		slog.Bool("created", res.Created),
		slog.Bool("relinked", res.Relinked),
	)
	return &LoginResult{
		Identity: res.Identity,
		Grant:    grant,
		Created:  res.Created,
		Relinked: res.Relinked,
	}, nil
}

// Refresh はローテーショントークンからアクセストークンを再発行する。
func (s *Service) Refresh(ctx context.Context, rotationToken string, client model.ClientInfo) (*session.Refreshed, error) {
	refreshed, err := s.sessions.Refresh(ctx, rotationToken, client)
	if s.observer != nil {
		s.observer.ObserveRefresh(outcomeOf(err))
	}
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

// Logout はアクセストークンの端末を失効させる。
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, errors.New("access token is required"))
	}
	if err := s.sessions.RevokeDevice(ctx, accessToken); err != nil {
		return err
	}
	slog.Info("device logged out")
	return nil
}

// LogoutEverywhere はユーザーの全端末を失効させる。
func (s *Service) LogoutEverywhere(ctx context.Context, userGUID string) (int64, error) {
	return s.sessions.RevokeAllForUser(ctx, userGUID)
}

// Unlink はプロバイダー紐付けを解除する。最後の紐付けの場合はIdentityがソフトデリートされる。
func (s *Service) Unlink(ctx context.Context, userGUID, providerName string) (bool, error) {
	return s.resolver.Unlink(ctx, userGUID, providerName)
}

func (s *Service) observeLogin(providerName string, err error) {
	if s.observer != nil {
		s.observer.ObserveLogin(providerName, outcomeOf(err))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(model.KindOf(err))
}
