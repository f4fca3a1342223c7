// Package identity はプロバイダー固有の本人情報を正規のIdentityに解決する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/provider"
	"github.com/hitoshi/keystone/internal/repository"
	"github.com/hitoshi/keystone/internal/token"
)

// DefaultStartingCredits は新規Identityに付与するクレジット。
const DefaultStartingCredits = 100

// ProviderSource は名前でプロバイダーを引く。
type ProviderSource interface {
	Get(name string) (provider.AuthProvider, error)
}

// BaselineSource は基本ロールのマスクを返す。
type BaselineSource interface {
	BaselineMask() model.RoleMask
}

// DeviceRevoker は端末セッションを失効させる。
type DeviceRevoker interface {
	RevokeForProvider(ctx context.Context, userGUID, provider string) (int64, error)
	RevokeAllForUser(ctx context.Context, userGUID string) (int64, error)
}

// ReauthVerifier は統合確認用の再認証トークンを検証する。
type ReauthVerifier interface {
	VerifyAccessToken(tok string) (*token.AccessClaims, error)
}

// AvatarFetcher はプロフィール画像を取得する。
type AvatarFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*provider.Avatar, error)
}

// AvatarStore は取得した画像を保存し、配信用URLを返す。
type AvatarStore interface {
	Put(ctx context.Context, userGUID string, avatar *provider.Avatar) (string, error)
}

// TextSanitizer はプロバイダー由来の表示名を無害化する。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// ResolveRequest はIdentity解決の入力。
type ResolveRequest struct {
	Provider string
	Code     string
	// Confirm とReauthToken は既存アカウントへの統合時の確認。どちらかが必要になる。
	Confirm     bool
	ReauthToken string
}

// Resolution はIdentity解決の結果。
type Resolution struct {
	Identity *model.Identity
	Provider string
	Created  bool
	Relinked bool
}

// Resolver はIdentity解決を行う。
type Resolver struct {
	providers   ProviderSource
	identities  repository.IdentityRepository
	devices     DeviceRevoker
	baseline    BaselineSource
	reauth      ReauthVerifier
	avatars     AvatarFetcher
	avatarStore AvatarStore
	sanitizer   TextSanitizer
	credits     int64
	now         func() time.Time
}

// Option はResolverのオプション。
type Option func(*Resolver)

// WithAvatars はプロフィール画像の取得・保存を有効にする。storeがnilの場合はURLを記録する。
func WithAvatars(f AvatarFetcher, store AvatarStore) Option {
	return func(r *Resolver) {
		r.avatars = f
		r.avatarStore = store
	}
}

// WithSanitizer は表示名のサニタイザーを設定する。
func WithSanitizer(s TextSanitizer) Option {
	return func(r *Resolver) { r.sanitizer = s }
}

// WithStartingCredits は新規Identityのクレジットを設定する。
func WithStartingCredits(n int64) Option {
	return func(r *Resolver) { r.credits = n }
}

// WithClock は時刻取得関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver はResolverを生成する。
func NewResolver(
	providers ProviderSource,
	identities repository.IdentityRepository,
	devices DeviceRevoker,
	baseline BaselineSource,
	reauth ReauthVerifier,
	opts ...Option,
) *Resolver {
	r := &Resolver{
		providers:  providers,
		identities: identities,
		devices:    devices,
		baseline:   baseline,
		reauth:     reauth,
		credits:    DefaultStartingCredits,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve は認可コードを交換し、対応するIdentityを返す。
// 検索順は 紐付け中 → ソフトデリート済み（再紐付け） → 未紐付けの記録あり（再紐付け） → 新規作成。
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	p, err := r.providers.Get(req.Provider)
	if err != nil {
		return nil, err
	}

	tokens, err := p.Exchange(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	claims, err := p.VerifyToken(ctx, tokens)
	if err != nil {
		return nil, err
	}
	candidates, err := p.ExtractIdentifiers(claims)
	if err != nil {
		return nil, err
	}
	profile := r.fetchProfile(ctx, p, tokens, claims)

	if m, err := r.find(ctx, req.Provider, candidates, r.identities.FindActiveLink); err != nil {
		return nil, err
	} else if m != nil {
		r.syncProfile(ctx, m.Identity, req.Provider, profile)
		slog.Info("identity resolved",
			slog.String("user_guid", m.Identity.GUID),
			slog.String("provider", req.Provider),
		)
		return &Resolution{Identity: m.Identity, Provider: req.Provider}, nil
	}

	for _, lookup := range []linkLookup{r.identities.FindSoftDeletedLink, r.identities.FindAnyLink} {
		m, err := r.find(ctx, req.Provider, candidates, lookup)
		if err != nil {
			return nil, err
		}
		if m != nil {
			return r.relink(ctx, req, m, profile)
		}
	}

	return r.create(ctx, req.Provider, candidates[0], profile)
}

type linkLookup func(ctx context.Context, provider, identifier string) (*model.IdentityMatch, error)

// find は候補識別子を優先順に照合する。
func (r *Resolver) find(ctx context.Context, providerName string, candidates []string, lookup linkLookup) (*model.IdentityMatch, error) {
	for _, id := range candidates {
		m, err := lookup(ctx, providerName, id)
		if err != nil {
			return nil, model.NewUpstreamError(model.ErrCodeIdentityUnresolved, fmt.Errorf("failed to look up identity: %w", err))
		}
		if m != nil {
			return m, nil
		}
	}
	return nil, nil
}

// fetchProfile はプロフィールを取得する。プロバイダー側の障害・タイムアウト時は空のプロフィールで続行する。
func (r *Resolver) fetchProfile(ctx context.Context, p provider.AuthProvider, tokens *provider.Tokens, claims map[string]any) *provider.Profile {
	profile, err := p.FetchProfile(ctx, tokens, claims)
	if err != nil {
		slog.Warn("profile fetch failed, continuing without profile",
			slog.String("provider", p.Name()),
			slog.Any("error", err),
		)
		return &provider.Profile{}
	}
	if r.sanitizer != nil {
		profile.Username = r.sanitizer.Sanitize(profile.Username)
	}
	return profile
}

func (r *Resolver) relink(ctx context.Context, req ResolveRequest, m *model.IdentityMatch, profile *provider.Profile) (*Resolution, error) {
	ident := m.Identity
	if err := r.checkMerge(ctx, req, m); err != nil {
		return nil, err
	}

	upd := r.profileUpdate(ctx, ident, profile, !ident.ProfileEdited)
	if err := r.identities.Relink(ctx, ident.GUID, req.Provider, m.Link.ProviderIdentifier, upd); err != nil {
		return nil, model.NewUpstreamError(model.ErrCodeIdentityUnresolved, fmt.Errorf("failed to relink identity: %w", err))
	}
	if _, err := r.devices.RevokeForProvider(ctx, ident.GUID, req.Provider); err != nil {
		return nil, model.NewUpstreamError(model.ErrCodeIdentityUnresolved, fmt.Errorf("failed to revoke stale devices: %w", err))
	}

	wasSevered := ident.IsSevered()
	ident.SoftDeletedAt = nil
	applyUpdate(ident, upd)
	slog.Info("identity relinked",
		slog.String("user_guid", ident.GUID),
		slog.String("provider", req.Provider),
		slog.Bool("resurrected", wasSevered),
	)
	return &Resolution{Identity: ident, Provider: req.Provider, Relinked: true}, nil
}

// checkMerge は他の有効な紐付けを持つIdentityへの再紐付けに確認を要求する。
func (r *Resolver) checkMerge(ctx context.Context, req ResolveRequest, m *model.IdentityMatch) error {
	links, err := r.identities.ListLinks(ctx, m.Identity.GUID)
	if err != nil {
		return model.NewUpstreamError(model.ErrCodeIdentityUnresolved, fmt.Errorf("failed to list links: %w", err))
	}
	others := 0
	for _, l := range links {
		if !l.Linked {
			continue
		}
		if l.Provider == m.Link.Provider && l.ProviderIdentifier == m.Link.ProviderIdentifier {
			continue
		}
		others++
	}
	if others == 0 || m.Identity.IsSevered() {
		return nil
	}

	if req.ReauthToken != "" {
		claims, err := r.reauth.VerifyAccessToken(req.ReauthToken)
		if err != nil {
			return err
		}
		if claims.UserGUID != m.Identity.GUID {
			return model.NewUnauthenticatedError(model.ErrCodeInvalidToken, errors.New("reauth token belongs to another identity"))
		}
		return nil
	}
	if req.Confirm {
		return nil
	}
	return model.NewMergeConfirmationError()
}

func (r *Resolver) create(ctx context.Context, providerName, identifier string, profile *provider.Profile) (*Resolution, error) {
	now := r.now()
	ident := &model.Identity{
		GUID:            uuid.NewString(),
		DisplayName:     profile.Username,
		Email:           profile.Email,
		Credits:         r.credits,
		RoleMask:        r.baseline.BaselineMask(),
		DefaultProvider: providerName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ident.ProfileImage = r.resolveAvatar(ctx, ident.GUID, profile.Picture)

	link := &model.ProviderLink{
		IdentityGUID:       ident.GUID,
		Provider:           providerName,
		ProviderIdentifier: identifier,
		Linked:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.identities.CreateWithLink(ctx, ident, link); err != nil {
		// 同時ログインで先に作成された場合はそちらを使う
		if m, findErr := r.identities.FindActiveLink(ctx, providerName, identifier); findErr == nil && m != nil {
			return &Resolution{Identity: m.Identity, Provider: providerName}, nil
		}
		return nil, model.NewUpstreamError(model.ErrCodeIdentityUnresolved, fmt.Errorf("failed to create identity: %w", err))
	}

	slog.Info("identity created",
		slog.String("user_guid", ident.GUID),
		slog.String("provider", providerName),
	)
	return &Resolution{Identity: ident, Provider: providerName, Created: true}, nil
}

// syncProfile は既存Identityのプロフィールを同期する。失敗してもログインは継続する。
func (r *Resolver) syncProfile(ctx context.Context, ident *model.Identity, providerName string, profile *provider.Profile) {
	syncText := providerName == ident.DefaultProvider && !ident.ProfileEdited
	upd := r.profileUpdate(ctx, ident, profile, syncText)
	if upd.IsEmpty() {
		return
	}
	if err := r.identities.UpdateProfile(ctx, ident.GUID, upd); err != nil {
		slog.Warn("profile sync failed",
			slog.String("user_guid", ident.GUID),
			slog.Any("error", err),
		)
		return
	}
	applyUpdate(ident, upd)
}

// profileUpdate は保存値と異なる項目だけを更新対象にする。
func (r *Resolver) profileUpdate(ctx context.Context, ident *model.Identity, profile *provider.Profile, syncText bool) model.ProfileUpdate {
	var upd model.ProfileUpdate
	if syncText {
		if profile.Username != "" && profile.Username != ident.DisplayName {
			name := profile.Username
			upd.DisplayName = &name
		}
		if profile.Email != "" && profile.Email != ident.Email {
			email := profile.Email
			upd.Email = &email
		}
	}
	if profile.Picture != "" {
		if image := r.resolveAvatar(ctx, ident.GUID, profile.Picture); image != "" && image != ident.ProfileImage {
			upd.ProfileImage = &image
		}
	}
	return upd
}

// resolveAvatar は保存するプロフィール画像のURLを返す。
// 保存先がない場合はプロバイダーのURLをそのまま使い、取得に失敗した場合は空文字を返す。
func (r *Resolver) resolveAvatar(ctx context.Context, userGUID, pictureURL string) string {
	if pictureURL == "" {
		return ""
	}
	if r.avatarStore == nil || r.avatars == nil {
		return pictureURL
	}
	avatar, err := r.avatars.Fetch(ctx, pictureURL)
	if err != nil {
		slog.Warn("avatar fetch failed, keeping previous image",
			slog.String("user_guid", userGUID),
			slog.Any("error", err),
		)
		return ""
	}
	stored, err := r.avatarStore.Put(ctx, userGUID, avatar)
	if err != nil {
		slog.Warn("avatar store failed, keeping previous image",
			slog.String("user_guid", userGUID),
			slog.Any("error", err),
		)
		return ""
	}
	return stored
}

func applyUpdate(ident *model.Identity, upd model.ProfileUpdate) {
	if upd.DisplayName != nil {
		ident.DisplayName = *upd.DisplayName
	}
	if upd.Email != nil {
		ident.Email = *upd.Email
	}
	if upd.ProfileImage != nil {
		ident.ProfileImage = *upd.ProfileImage
	}
}

// Unlink はプロバイダー紐付けを解除し、そのプロバイダー経由の端末を失効させる。
// 最後の紐付けだった場合はIdentityをソフトデリートし、全端末を失効させる。
func (r *Resolver) Unlink(ctx context.Context, userGUID, providerName string) (severed bool, err error) {
	remaining, err := r.identities.Unlink(ctx, userGUID, providerName)
	if err != nil {
		return false, fmt.Errorf("failed to unlink provider: %w", err)
	}
	if _, err := r.devices.RevokeForProvider(ctx, userGUID, providerName); err != nil {
		return false, fmt.Errorf("failed to revoke provider devices: %w", err)
	}
	if remaining > 0 {
		slog.Info("provider unlinked",
			slog.String("user_guid", userGUID),
			slog.String("provider", providerName),
			slog.Int("remaining", remaining),
		)
		return false, nil
	}

	if err := r.identities.SoftDelete(ctx, userGUID, r.now()); err != nil {
		return false, fmt.Errorf("failed to soft delete identity: %w", err)
	}
	if _, err := r.devices.RevokeAllForUser(ctx, userGUID); err != nil {
		return true, fmt.Errorf("failed to revoke devices: %w", err)
	}
	slog.Info("identity severed",
		slog.String("user_guid", userGUID),
		slog.String("provider", providerName),
	)
	return true, nil
}
