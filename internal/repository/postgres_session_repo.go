package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッション・端末リポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const deviceColumns = `d.guid, d.session_guid, d.provider, d.access_token_hash, d.token_issued_at,
	d.token_expires_at, d.revoked_at, d.fingerprint, d.user_agent, d.ip_last_seen`

// Grant はローテーション資格情報の更新、セッションのUPSERT、端末のUPSERTを1トランザクションで行う。
// issueは確定したセッション・端末GUIDで資格情報を発行し、失敗した場合は何も書き込まれない。
func (r *PostgresSessionRepo) Grant(ctx context.Context, grant *model.SessionGrant, issue IssueFunc) (*model.Device, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// ユーザーごとにセッションは1つ
	var sessionGUID string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO sessions (guid, user_guid, created_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (user_guid) DO UPDATE SET user_guid = EXCLUDED.user_guid
		 RETURNING guid`,
		grant.SessionGUID, grant.UserGUID,
	).Scan(&sessionGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}

	deviceGUID := grant.Device.GUID
	err = tx.QueryRowContext(ctx,
		`SELECT guid FROM devices WHERE session_guid = $1 AND fingerprint = $2 FOR UPDATE`,
		sessionGUID, grant.Device.Fingerprint,
	).Scan(&deviceGUID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}

	creds, err := issue(sessionGUID, deviceGUID)
	if err != nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE identities
		 SET rotation_key_hash = $2, rotation_issued_at = $3, rotation_expires_at = $4, updated_at = now()
		 WHERE guid = $1`,
		grant.UserGUID, creds.Rotation.KeyHash, creds.Rotation.IssuedAt, creds.Rotation.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store rotation credential: %w", err)
	}
	if err := requireRow(result, "identity", grant.UserGUID); err != nil {
		return nil, err
	}

	d := grant.Device
	d.GUID = deviceGUID
	d.SessionGUID = sessionGUID
	d.AccessTokenHash = creds.AccessTokenHash
	d.TokenIssuedAt = creds.TokenIssuedAt
	d.TokenExpiresAt = creds.TokenExpiresAt
	d.RevokedAt = nil

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (guid, session_guid, provider, access_token_hash, token_issued_at,
		                      token_expires_at, revoked_at, fingerprint, user_agent, ip_last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9)
		 ON CONFLICT (session_guid, fingerprint) DO UPDATE
		 SET provider = EXCLUDED.provider,
		     access_token_hash = EXCLUDED.access_token_hash,
		     token_issued_at = EXCLUDED.token_issued_at,
		     token_expires_at = EXCLUDED.token_expires_at,
		     revoked_at = NULL,
		     user_agent = EXCLUDED.user_agent,
		     ip_last_seen = EXCLUDED.ip_last_seen`,
		d.GUID, d.SessionGUID, d.Provider, d.AccessTokenHash, d.TokenIssuedAt,
		d.TokenExpiresAt, d.Fingerprint, d.UserAgent, d.IPLastSeen,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &d, nil
}

func (r *PostgresSessionRepo) findDevice(ctx context.Context, where string, args ...any) (*model.DeviceSession, error) {
	ds := &model.DeviceSession{}
	d := &ds.Device
	var revoked sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+`, s.user_guid
		 FROM devices d
		 JOIN sessions s ON s.guid = d.session_guid
		 WHERE `+where,
		args...,
	).Scan(&d.GUID, &d.SessionGUID, &d.Provider, &d.AccessTokenHash, &d.TokenIssuedAt,
		&d.TokenExpiresAt, &revoked, &d.Fingerprint, &d.UserAgent, &d.IPLastSeen, &ds.UserGUID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device: %w", err)
	}
	d.RevokedAt = nullTimePtr(revoked)
	return ds, nil
}

// FindDeviceByTokenHash はアクセストークンのハッシュで端末を検索する。
func (r *PostgresSessionRepo) FindDeviceByTokenHash(ctx context.Context, tokenHash string) (*model.DeviceSession, error) {
	return r.findDevice(ctx, `d.access_token_hash = $1`, tokenHash)
}

// FindDevice はセッションとフィンガープリントで端末を検索する。
func (r *PostgresSessionRepo) FindDevice(ctx context.Context, sessionGUID, fingerprint string) (*model.DeviceSession, error) {
	return r.findDevice(ctx, `d.session_guid = $1 AND d.fingerprint = $2`, sessionGUID, fingerprint)
}

// UpdateDeviceToken はリフレッシュ時に端末のアクセストークンを差し替える。
func (r *PostgresSessionRepo) UpdateDeviceToken(ctx context.Context, deviceGUID, tokenHash string, issuedAt, expiresAt time.Time, client model.ClientInfo) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices
		 SET access_token_hash = $2, token_issued_at = $3, token_expires_at = $4, user_agent = $5, ip_last_seen = $6
		 WHERE guid = $1`,
		deviceGUID, tokenHash, issuedAt, expiresAt, client.UserAgent, client.IP,
	)
	if err != nil {
		return fmt.Errorf("failed to update device token: %w", err)
	}
	return requireRow(result, "device", deviceGUID)
}

// TouchDevice は端末の最終IP・User-Agentを更新する。
func (r *PostgresSessionRepo) TouchDevice(ctx context.Context, deviceGUID string, client model.ClientInfo) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET user_agent = $2, ip_last_seen = $3 WHERE guid = $1`,
		deviceGUID, client.UserAgent, client.IP,
	)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// RevokeDeviceByTokenHash はアクセストークンに対応する端末を失効させる。
func (r *PostgresSessionRepo) RevokeDeviceByTokenHash(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE devices SET revoked_at = $2 WHERE access_token_hash = $1 AND revoked_at IS NULL`,
		tokenHash, at,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke device: %w", err)
	}
	return nil
}

// RevokeAllForUser はユーザーの全端末を失効させる。
func (r *PostgresSessionRepo) RevokeAllForUser(ctx context.Context, userGUID string, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices d SET revoked_at = $2
		 FROM sessions s
		 WHERE s.guid = d.session_guid AND s.user_guid = $1 AND d.revoked_at IS NULL`,
		userGUID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user devices: %w", err)
	}
	return result.RowsAffected()
}

// RevokeForProvider はプロバイダー経由でログインした端末を失効させる。
func (r *PostgresSessionRepo) RevokeForProvider(ctx context.Context, userGUID, provider string, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices d SET revoked_at = $3
		 FROM sessions s
		 WHERE s.guid = d.session_guid AND s.user_guid = $1 AND d.provider = $2 AND d.revoked_at IS NULL`,
		userGUID, provider, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke provider devices: %w", err)
	}
	return result.RowsAffected()
}

// PurgeDevices は失効または期限切れから保持期間を過ぎた端末行を削除する。
func (r *PostgresSessionRepo) PurgeDevices(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM devices
		 WHERE (revoked_at IS NOT NULL AND revoked_at < $1) OR token_expires_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge devices: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
