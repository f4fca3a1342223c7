package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/keystone/internal/model"
)

// PostgresRoleRepo はPostgreSQLを使用したロール定義リポジトリ。
type PostgresRoleRepo struct {
	db *sql.DB
}

// NewPostgresRoleRepo はPostgresRoleRepoを生成する。
func NewPostgresRoleRepo(db *sql.DB) *PostgresRoleRepo {
	return &PostgresRoleRepo{db: db}
}

// ListRoles は全ロール定義をビット順に返す。
func (r *PostgresRoleRepo) ListRoles(ctx context.Context) ([]model.Role, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, bit, display FROM roles ORDER BY bit`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []model.Role
	for rows.Next() {
		var role model.Role
		if err := rows.Scan(&role.Name, &role.Bit, &role.Display); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}

// CreateRole はロール定義を作成する。名前またはビットが重複する場合はErrDuplicateを返す。
func (r *PostgresRoleRepo) CreateRole(ctx context.Context, role model.Role) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO roles (name, bit, display) VALUES ($1, $2, $3)`,
		role.Name, role.Bit, role.Display,
	)
	if err != nil {
		return fmt.Errorf("failed to insert role: %w", mapPQError(err))
	}
	return nil
}

// UpdateRole は既存ロール定義を更新する。ビットが変わる場合は保持者のマスクを付け替える。
func (r *PostgresRoleRepo) UpdateRole(ctx context.Context, name string, role model.Role) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	oldBit, err := lockRoleBit(ctx, tx, name)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE roles SET name = $2, bit = $3, display = $4 WHERE name = $1`,
		name, role.Name, role.Bit, role.Display,
	); err != nil {
		return fmt.Errorf("failed to update role: %w", mapPQError(err))
	}

	if oldBit != role.Bit {
		oldMask := int64(model.Role{Bit: oldBit}.Mask())
		newMask := int64(role.Mask())
		if _, err := tx.ExecContext(ctx,
			`UPDATE identities SET role_mask = (role_mask & ~$1::bigint) | $2::bigint, updated_at = now()
			 WHERE role_mask & $1::bigint <> 0`,
			oldMask, newMask,
		); err != nil {
			return fmt.Errorf("failed to move role bit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteRole はロール定義を削除し、全Identityのマスクから該当ビットを落とす。
func (r *PostgresRoleRepo) DeleteRole(ctx context.Context, name string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bit, err := lockRoleBit(ctx, tx, name)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	mask := int64(model.Role{Bit: bit}.Mask())
	if _, err := tx.ExecContext(ctx,
		`UPDATE identities SET role_mask = role_mask & ~$1::bigint, updated_at = now()
		 WHERE role_mask & $1::bigint <> 0`,
		mask,
	); err != nil {
		return fmt.Errorf("failed to clear role bit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func lockRoleBit(ctx context.Context, tx *sql.Tx, name string) (int, error) {
	var bit int
	err := tx.QueryRowContext(ctx, `SELECT bit FROM roles WHERE name = $1 FOR UPDATE`, name).Scan(&bit)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("role not found: %s", name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock role: %w", err)
	}
	return bit, nil
}

// compile-time interface check
var _ RoleRepository = (*PostgresRoleRepo)(nil)
