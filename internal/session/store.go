// Package session は端末単位のセッションとトークンのライフサイクルを管理する。
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/repository"
	"github.com/hitoshi/keystone/internal/token"
)

// Grant はログイン成功時に発行される資格情報。
type Grant struct {
	AccessToken    string
	AccessExpiry   time.Time
	RotationToken  string
	RotationExpiry time.Time
	SessionGUID    string
	DeviceGUID     string
}

// Refreshed はリフレッシュで発行されたアクセストークン。
type Refreshed struct {
	AccessToken  string
	AccessExpiry time.Time
	UserGUID     string
	DeviceGUID   string
}

// Store はセッション・端末の作成、リフレッシュ、検証、失効を行う。
type Store struct {
	sessions   repository.SessionRepository
	identities repository.IdentityRepository
	tokens     *token.Service
	now        func() time.Time
}

// Option はStoreのオプション。
type Option func(*Store)

// WithClock は時刻取得関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore はStoreを生成する。
func NewStore(sessions repository.SessionRepository, identities repository.IdentityRepository, tokens *token.Service, opts ...Option) *Store {
	s := &Store{
		sessions:   sessions,
		identities: identities,
		tokens:     tokens,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession はローテーション資格情報を発行し直し、セッションと端末を作成または更新する。
// 発行により同じユーザーの以前のローテーショントークンは無効になる。
func (s *Store) CreateSession(ctx context.Context, userGUID, providerName string, client model.ClientInfo) (*Grant, error) {
	fingerprint := fingerprintOf(client)
	var out Grant

	device, err := s.sessions.Grant(ctx, &model.SessionGrant{
		UserGUID:    userGUID,
		SessionGUID: uuid.NewString(),
		Device: model.Device{
			GUID:        uuid.NewString(),
			Provider:    providerName,
			Fingerprint: fingerprint,
			UserAgent:   client.UserAgent,
			IPLastSeen:  client.IP,
		},
	}, func(sessionGUID, deviceGUID string) (*model.GrantCredentials, error) {
		rotation, err := s.tokens.IssueRotationToken(userGUID, sessionGUID)
		if err != nil {
			return nil, err
		}
		access, err := s.tokens.IssueDeviceAccessToken(userGUID, token.DeviceBinding{
			SessionGUID: sessionGUID,
			DeviceGUID:  deviceGUID,
		})
		if err != nil {
			return nil, err
		}
		out = Grant{
			AccessToken:    access.Token,
			AccessExpiry:   access.ExpiresAt,
			RotationToken:  rotation.Token,
			RotationExpiry: rotation.ExpiresAt,
		}
		return &model.GrantCredentials{
			Rotation: model.RotationCredential{
				KeyHash:   token.Hash(rotation.Key),
				IssuedAt:  rotation.IssuedAt,
				ExpiresAt: rotation.ExpiresAt,
			},
			AccessTokenHash: token.Hash(access.Token),
			TokenIssuedAt:   access.IssuedAt,
			TokenExpiresAt:  access.ExpiresAt,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	out.SessionGUID = device.SessionGUID
	out.DeviceGUID = device.GUID
	slog.Info("session created",
		slog.String("user_guid", userGUID),
		slog.String("session_guid", out.SessionGUID),
		slog.String("device_guid", out.DeviceGUID),
		slog.String("provider", providerName),
	)
	return &out, nil
}

// Refresh はローテーショントークンから新しいアクセストークンを発行する。
// ユーザーの現行のローテーション資格情報と一致しない場合はUnauthenticatedとなる。
// ローテーショントークン自体は再発行しない。
func (s *Store) Refresh(ctx context.Context, rotationToken string, client model.ClientInfo) (*Refreshed, error) {
	claims, err := s.tokens.DecodeRotationToken(rotationToken)
	if err != nil {
		return nil, err
	}

	ident, err := s.identities.FindByGUID(ctx, claims.UserGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if ident == nil || ident.IsSevered() {
		return nil, unauthenticated("identity is not active")
	}
	if ident.RotationKeyHash == "" ||
		subtle.ConstantTimeCompare([]byte(token.Hash(claims.Key)), []byte(ident.RotationKeyHash)) != 1 {
		return nil, unauthenticated("rotation token has been superseded")
	}
	if ident.RotationExpiresAt != nil && !s.now().Before(*ident.RotationExpiresAt) {
		return nil, unauthenticated("rotation credential has expired")
	}

	ds, err := s.sessions.FindDevice(ctx, claims.SessionGUID, fingerprintOf(client))
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	if ds == nil || ds.UserGUID != claims.UserGUID {
		return nil, unauthenticated("device session not found")
	}
	if ds.Device.IsRevoked() {
		return nil, unauthenticated("device session has been revoked")
	}

	access, err := s.tokens.IssueDeviceAccessToken(claims.UserGUID, token.DeviceBinding{
		SessionGUID: ds.Device.SessionGUID,
		DeviceGUID:  ds.Device.GUID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.sessions.UpdateDeviceToken(ctx, ds.Device.GUID, token.Hash(access.Token), access.IssuedAt, access.ExpiresAt, client); err != nil {
		return nil, fmt.Errorf("failed to update device token: %w", err)
	}

	return &Refreshed{
		AccessToken:  access.Token,
		AccessExpiry: access.ExpiresAt,
		UserGUID:     claims.UserGUID,
		DeviceGUID:   ds.Device.GUID,
	}, nil
}

// GetByAccessToken はアクセストークンに対応する端末セッションを返す。
// 端末が存在しない、失効済み、トークン期限切れの場合はUnauthenticatedとなる。
// 最終IP・User-Agentの更新はベストエフォートで、失敗しても呼び出しは成功する。
func (s *Store) GetByAccessToken(ctx context.Context, accessToken string, client model.ClientInfo) (*model.DeviceSession, error) {
	claims, err := s.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	ds, err := s.sessions.FindDeviceByTokenHash(ctx, token.Hash(accessToken))
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	if ds == nil || ds.UserGUID != claims.UserGUID {
		return nil, unauthenticated("device session not found")
	}
	if ds.Device.IsRevoked() {
		return nil, unauthenticated("device session has been revoked")
	}
	if !s.now().Before(ds.Device.TokenExpiresAt) {
		return nil, unauthenticated("device token has expired")
	}

	if changed(ds.Device, client) {
		if err := s.sessions.TouchDevice(ctx, ds.Device.GUID, client); err != nil {
			slog.Warn("failed to update device metadata",
				slog.String("device_guid", ds.Device.GUID),
				slog.Any("error", err),
			)
		} else {
			ds.Device.UserAgent = client.UserAgent
			ds.Device.IPLastSeen = client.IP
		}
	}
	return ds, nil
}

// RevokeDevice はアクセストークンに対応する端末を失効させる。
func (s *Store) RevokeDevice(ctx context.Context, accessToken string) error {
	if err := s.sessions.RevokeDeviceByTokenHash(ctx, token.Hash(accessToken), s.now()); err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	return nil
}

// RevokeAllForUser はユーザーの全端末を失効させる。
func (s *Store) RevokeAllForUser(ctx context.Context, userGUID string) (int64, error) {
	n, err := s.sessions.RevokeAllForUser(ctx, userGUID, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke devices: %w", err)
	}
	slog.Info("all devices revoked", slog.String("user_guid", userGUID), slog.Int64("count", n))
	return n, nil
}

// RevokeForProvider はプロバイダー経由でログインした端末を失効させる。
func (s *Store) RevokeForProvider(ctx context.Context, userGUID, providerName string) (int64, error) {
	n, err := s.sessions.RevokeForProvider(ctx, userGUID, providerName, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke provider devices: %w", err)
	}
	return n, nil
}

// fingerprintOf は端末のフィンガープリントを返す。
// クライアントが送らない場合はUser-Agentから導出する。
func fingerprintOf(client model.ClientInfo) string {
	if client.Fingerprint != "" {
		return client.Fingerprint
	}
	return "ua:" + token.Hash(client.UserAgent)[:32]
}

func changed(d model.Device, client model.ClientInfo) bool {
	if client.IP == "" && client.UserAgent == "" {
		return false
	}
	return d.IPLastSeen != client.IP || d.UserAgent != client.UserAgent
}

func unauthenticated(reason string) error {
	return model.NewUnauthenticatedError(model.ErrCodeUnauthenticated, errors.New(reason))
}
