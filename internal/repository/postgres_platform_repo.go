package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresPlatformLinkRepo はPostgreSQLを使用した外部プラットフォームIDの対応表。
type PostgresPlatformLinkRepo struct {
	db *sql.DB
}

// NewPostgresPlatformLinkRepo はPostgresPlatformLinkRepoを生成する。
func NewPostgresPlatformLinkRepo(db *sql.DB) *PostgresPlatformLinkRepo {
	return &PostgresPlatformLinkRepo{db: db}
}

// FindUserGUID は対応するIdentityのGUIDを返す。見つからない場合は空文字を返す。
func (r *PostgresPlatformLinkRepo) FindUserGUID(ctx context.Context, platform, externalID string) (string, error) {
	var guid string
	err := r.db.QueryRowContext(ctx,
		`SELECT user_guid FROM platform_links WHERE platform = $1 AND external_id = $2`,
		platform, externalID,
	).Scan(&guid)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find platform link: %w", err)
	}
	return guid, nil
}

// compile-time interface check
var _ PlatformLinkRepository = (*PostgresPlatformLinkRepo)(nil)
