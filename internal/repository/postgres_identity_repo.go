package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/keystone/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したIdentityリポジトリ。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const identityColumns = `i.guid, i.display_name, i.email, i.credits, i.profile_image, i.role_mask,
	i.default_provider, i.profile_edited, i.soft_deleted_at, i.rotation_key_hash,
	i.rotation_issued_at, i.rotation_expires_at, i.created_at, i.updated_at`

const linkColumns = `l.identity_guid, l.provider, l.provider_identifier, l.linked, l.created_at, l.updated_at`

func identityDest(i *model.Identity, mask *int64, deleted, rotIssued, rotExpires *sql.NullTime) []any {
	return []any{
		&i.GUID, &i.DisplayName, &i.Email, &i.Credits, &i.ProfileImage, mask,
		&i.DefaultProvider, &i.ProfileEdited, deleted, &i.RotationKeyHash,
		rotIssued, rotExpires, &i.CreatedAt, &i.UpdatedAt,
	}
}

func finishIdentity(i *model.Identity, mask int64, deleted, rotIssued, rotExpires sql.NullTime) {
	i.RoleMask = model.RoleMask(mask)
	i.SoftDeletedAt = nullTimePtr(deleted)
	i.RotationIssuedAt = nullTimePtr(rotIssued)
	i.RotationExpiresAt = nullTimePtr(rotExpires)
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// FindByGUID は指定GUIDのIdentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByGUID(ctx context.Context, guid string) (*model.Identity, error) {
	ident := &model.Identity{}
	var mask int64
	var deleted, rotIssued, rotExpires sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities i WHERE i.guid = $1`,
		guid,
	).Scan(identityDest(ident, &mask, &deleted, &rotIssued, &rotExpires)...)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by guid: %w", err)
	}
	finishIdentity(ident, mask, deleted, rotIssued, rotExpires)
	return ident, nil
}

// FindActiveLink は紐付け中かつソフトデリートされていないIdentityを検索する。
func (r *PostgresIdentityRepo) FindActiveLink(ctx context.Context, provider, identifier string) (*model.IdentityMatch, error) {
	return r.findLink(ctx, `l.linked AND i.soft_deleted_at IS NULL`, provider, identifier)
}

// FindSoftDeletedLink はソフトデリート済みIdentityに記録された識別子を検索する。
func (r *PostgresIdentityRepo) FindSoftDeletedLink(ctx context.Context, provider, identifier string) (*model.IdentityMatch, error) {
	return r.findLink(ctx, `i.soft_deleted_at IS NOT NULL`, provider, identifier)
}

// FindAnyLink は状態を問わず識別子を検索する。
func (r *PostgresIdentityRepo) FindAnyLink(ctx context.Context, provider, identifier string) (*model.IdentityMatch, error) {
	return r.findLink(ctx, `TRUE`, provider, identifier)
}

func (r *PostgresIdentityRepo) findLink(ctx context.Context, cond, provider, identifier string) (*model.IdentityMatch, error) {
	ident := &model.Identity{}
	link := &model.ProviderLink{}
	var mask int64
	var deleted, rotIssued, rotExpires sql.NullTime

	dest := identityDest(ident, &mask, &deleted, &rotIssued, &rotExpires)
	dest = append(dest, &link.IdentityGUID, &link.Provider, &link.ProviderIdentifier, &link.Linked, &link.CreatedAt, &link.UpdatedAt)

	err := r.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+`, `+linkColumns+`
		 FROM provider_links l
		 JOIN identities i ON i.guid = l.identity_guid
		 WHERE l.provider = $1 AND l.provider_identifier = $2 AND `+cond+`
		 LIMIT 1`,
		provider, identifier,
	).Scan(dest...)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find provider link: %w", err)
	}
	finishIdentity(ident, mask, deleted, rotIssued, rotExpires)
	return &model.IdentityMatch{Identity: ident, Link: link}, nil
}

// ListLinks はIdentityの全プロバイダー紐付けを返す。
func (r *PostgresIdentityRepo) ListLinks(ctx context.Context, guid string) ([]model.ProviderLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM provider_links l WHERE l.identity_guid = $1 ORDER BY l.created_at`,
		guid,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider links: %w", err)
	}
	defer rows.Close()

	var links []model.ProviderLink
	for rows.Next() {
		var l model.ProviderLink
		if err := rows.Scan(&l.IdentityGUID, &l.Provider, &l.ProviderIdentifier, &l.Linked, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate provider links: %w", err)
	}
	return links, nil
}

// CreateWithLink はIdentityと紐付けを同一トランザクションで作成する。
func (r *PostgresIdentityRepo) CreateWithLink(ctx context.Context, ident *model.Identity, link *model.ProviderLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (guid, display_name, email, credits, profile_image, role_mask,
		                         default_provider, profile_edited, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ident.GUID, ident.DisplayName, ident.Email, ident.Credits, ident.ProfileImage, int64(ident.RoleMask),
		ident.DefaultProvider, ident.ProfileEdited, ident.CreatedAt, ident.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", mapPQError(err))
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO provider_links (identity_guid, provider, provider_identifier, linked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		link.IdentityGUID, link.Provider, link.ProviderIdentifier, link.Linked, link.CreatedAt, link.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert provider link: %w", mapPQError(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Relink はソフトデリートを解除し、紐付けをlinkedに戻し、プロフィールを更新する。
func (r *PostgresIdentityRepo) Relink(ctx context.Context, guid, provider, identifier string, upd model.ProfileUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE identities
		 SET soft_deleted_at = NULL,
		     display_name = COALESCE($2, display_name),
		     email = COALESCE($3, email),
		     profile_image = COALESCE($4, profile_image),
		     updated_at = now()
		 WHERE guid = $1`,
		guid, nullString(upd.DisplayName), nullString(upd.Email), nullString(upd.ProfileImage),
	)
	if err != nil {
		return fmt.Errorf("failed to restore identity: %w", err)
	}
	if err := requireRow(result, "identity", guid); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO provider_links (identity_guid, provider, provider_identifier, linked, created_at, updated_at)
		 VALUES ($1, $2, $3, TRUE, now(), now())
		 ON CONFLICT (provider, provider_identifier)
		 DO UPDATE SET identity_guid = EXCLUDED.identity_guid, linked = TRUE, updated_at = now()`,
		guid, provider, identifier,
	)
	if err != nil {
		return fmt.Errorf("failed to relink provider: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateProfile はプロフィール項目を部分更新する。nilの項目は変更しない。
func (r *PostgresIdentityRepo) UpdateProfile(ctx context.Context, guid string, upd model.ProfileUpdate) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET display_name = COALESCE($2, display_name),
		     email = COALESCE($3, email),
		     profile_image = COALESCE($4, profile_image),
		     updated_at = now()
		 WHERE guid = $1`,
		guid, nullString(upd.DisplayName), nullString(upd.Email), nullString(upd.ProfileImage),
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	return nil
}

// Unlink はプロバイダー紐付けを解除し、残りの紐付け数を返す。
func (r *PostgresIdentityRepo) Unlink(ctx context.Context, guid, provider string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE provider_links SET linked = FALSE, updated_at = now()
		 WHERE identity_guid = $1 AND provider = $2`,
		guid, provider,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to unlink provider: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM provider_links WHERE identity_guid = $1 AND linked`,
		guid,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("failed to count provider links: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return remaining, nil
}

// SoftDelete はIdentityをソフトデリートし、全紐付けを解除する。
func (r *PostgresIdentityRepo) SoftDelete(ctx context.Context, guid string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE identities SET soft_deleted_at = $2, updated_at = $2 WHERE guid = $1`,
		guid, at,
	)
	if err != nil {
		return fmt.Errorf("failed to soft delete identity: %w", err)
	}
	if err := requireRow(result, "identity", guid); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE provider_links SET linked = FALSE, updated_at = $2 WHERE identity_guid = $1`,
		guid, at,
	); err != nil {
		return fmt.Errorf("failed to unlink providers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateRoleMask はロールマスクを更新する。
func (r *PostgresIdentityRepo) UpdateRoleMask(ctx context.Context, guid string, mask model.RoleMask) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities SET role_mask = $2, updated_at = now() WHERE guid = $1`,
		guid, int64(mask),
	)
	if err != nil {
		return fmt.Errorf("failed to update role mask: %w", err)
	}
	return requireRow(result, "identity", guid)
}

// requireRow は更新対象が存在しなかった場合にエラーを返す。
func requireRow(result sql.Result, what, key string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s not found: %s", what, key)
	}
	return nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
