// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

// IdentityRepository はIdentityとプロバイダー紐付けの永続化インターフェース。
// 検索系メソッドは見つからない場合にnilを返す。
type IdentityRepository interface {
	// FindByGUID は指定GUIDのIdentityを取得する。ソフトデリート済みも返す。
	FindByGUID(ctx context.Context, guid string) (*model.Identity, error)

	// FindActiveLink は紐付け中かつソフトデリートされていないIdentityを検索する。
	FindActiveLink(ctx context.Context, provider, identifier string) (*model.IdentityMatch, error)

	// FindSoftDeletedLink はソフトデリート済みIdentityに記録された識別子を検索する。
	FindSoftDeletedLink(ctx context.Context, provider, identifier string) (*model.IdentityMatch, error)

	// FindAnyLink はソフトデリート状態・紐付け状態を問わず識別子を検索する。
	FindAnyLink(ctx context.Context, provider, identifier string) (*model.IdentityMatch, error)

	// ListLinks はIdentityの全プロバイダー紐付けを返す。
	ListLinks(ctx context.Context, guid string) ([]model.ProviderLink, error)

	// CreateWithLink はIdentityと紐付けを同一トランザクションで作成する。
	CreateWithLink(ctx context.Context, identity *model.Identity, link *model.ProviderLink) error

	// Relink はソフトデリートを解除し、紐付けをlinkedに戻し、プロフィールを更新する。
	Relink(ctx context.Context, guid, provider, identifier string, upd model.ProfileUpdate) error

	// UpdateProfile はプロフィール項目を部分更新する。
	UpdateProfile(ctx context.Context, guid string, upd model.ProfileUpdate) error

	// Unlink はプロバイダー紐付けを解除し、残りの紐付け数を返す。
	Unlink(ctx context.Context, guid, provider string) (remaining int, err error)

	// SoftDelete はIdentityをソフトデリートする。
	SoftDelete(ctx context.Context, guid string, at time.Time) error

	// UpdateRoleMask はロールマスクを更新する。
	UpdateRoleMask(ctx context.Context, guid string, mask model.RoleMask) error
}

// IssueFunc はセッション作成トランザクション内で、確定したセッション・端末GUIDを受け取り
// ローテーション資格情報とアクセストークンを発行する。書き込みより前に呼ばれ、
// エラーの場合は何も書き込まれない。
type IssueFunc func(sessionGUID, deviceGUID string) (*model.GrantCredentials, error)

// SessionRepository はセッション・端末の永続化インターフェース。
type SessionRepository interface {
	// Grant はローテーション資格情報の更新、セッションのUPSERT、端末のUPSERTを
	// 1トランザクションで行う。
	Grant(ctx context.Context, grant *model.SessionGrant, issue IssueFunc) (*model.Device, error)

	// FindDeviceByTokenHash はアクセストークンのハッシュで端末を検索する。
	FindDeviceByTokenHash(ctx context.Context, tokenHash string) (*model.DeviceSession, error)

	// FindDevice はセッションとフィンガープリントで端末を検索する。
	FindDevice(ctx context.Context, sessionGUID, fingerprint string) (*model.DeviceSession, error)

	// UpdateDeviceToken はリフレッシュ時に端末のアクセストークンを差し替える。
	UpdateDeviceToken(ctx context.Context, deviceGUID, tokenHash string, issuedAt, expiresAt time.Time, client model.ClientInfo) error

	// TouchDevice は端末の最終IP・User-Agentを更新する。
	TouchDevice(ctx context.Context, deviceGUID string, client model.ClientInfo) error

	// RevokeDeviceByTokenHash はアクセストークンに対応する端末を失効させる。
	RevokeDeviceByTokenHash(ctx context.Context, tokenHash string, at time.Time) error

	// RevokeAllForUser はユーザーの全端末を失効させる。
	RevokeAllForUser(ctx context.Context, userGUID string, at time.Time) (int64, error)

	// RevokeForProvider はプロバイダー経由でログインした端末を失効させる。
	RevokeForProvider(ctx context.Context, userGUID, provider string, at time.Time) (int64, error)
}

// RoleRepository はロール定義の永続化インターフェース。
type RoleRepository interface {
	// ListRoles は全ロール定義を返す。
	ListRoles(ctx context.Context) ([]model.Role, error)
	// CreateRole はロール定義を作成する。
	CreateRole(ctx context.Context, role model.Role) error
	// UpdateRole は既存ロール定義を更新する。ビット変更時は既存Identityのマスクも付け替える。
	UpdateRole(ctx context.Context, name string, role model.Role) error
	// DeleteRole はロール定義を削除し、全Identityのマスクから該当ビットを落とす。
	DeleteRole(ctx context.Context, name string) error
}

// PlatformLinkRepository は外部プラットフォーム（チャット等）のユーザーIDとIdentityの対応を引く。
type PlatformLinkRepository interface {
	// FindUserGUID は対応するIdentityのGUIDを返す。見つからない場合は空文字を返す。
	FindUserGUID(ctx context.Context, platform, externalID string) (string, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
