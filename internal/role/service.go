package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/keystone/internal/model"
	"github.com/hitoshi/keystone/internal/repository"
)

// Service はロール定義の管理とロールの付与・剥奪を提供する。
// 操作者は自身の上限（最上位ビット）以下のロールしか扱えない。
type Service struct {
	registry   *Registry
	roleRepo   repository.RoleRepository
	identities repository.IdentityRepository
}

// NewService はServiceを生成する。
func NewService(registry *Registry, roleRepo repository.RoleRepository, identities repository.IdentityRepository) *Service {
	return &Service{registry: registry, roleRepo: roleRepo, identities: identities}
}

// Registry は共有ロールテーブルを返す。
func (s *Service) Registry() *Registry {
	return s.registry
}

// Reload はロール定義を読み直してテーブルを差し替える。
func (s *Service) Reload(ctx context.Context) error {
	return s.registry.Load(ctx, s.roleRepo)
}

// List は操作者が参照できるロールを返す。
func (s *Service) List(actor model.AuthContext) []model.Role {
	return s.registry.Visible(actor.RoleMask)
}

// CreateRole はロール定義を作成し、戻る前にテーブルを再読み込みする。
func (s *Service) CreateRole(ctx context.Context, actor model.AuthContext, r model.Role) error {
	if err := r.Validate(); err != nil {
		return model.NewProtocolError(model.ErrCodeInvalidPayload, err.Error())
	}
	if err := s.checkCeiling(actor, r); err != nil {
		return err
	}
	if err := s.roleRepo.CreateRole(ctx, r); err != nil {
		return mapRepoError("create", err)
	}
	slog.Info("role created", slog.String("role", r.Name), slog.Int("bit", r.Bit), slog.String("actor", actor.UserGUID))
	return s.Reload(ctx)
}

// UpdateRole はロール定義を更新する。変更前後の両方が操作者の上限以下である必要がある。
func (s *Service) UpdateRole(ctx context.Context, actor model.AuthContext, name string, r model.Role) error {
	current, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return model.NewProtocolError(model.ErrCodeInvalidPayload, err.Error())
	}
	if err := s.checkCeiling(actor, current); err != nil {
		return err
	}
	if err := s.checkCeiling(actor, r); err != nil {
		return err
	}
	if err := s.roleRepo.UpdateRole(ctx, name, r); err != nil {
		return mapRepoError("update", err)
	}
	slog.Info("role updated", slog.String("role", name), slog.Int("bit", r.Bit), slog.String("actor", actor.UserGUID))
	return s.Reload(ctx)
}

// DeleteRole はロール定義を削除する。基本ロールは削除できない。
func (s *Service) DeleteRole(ctx context.Context, actor model.AuthContext, name string) error {
	current, err := s.lookup(name)
	if err != nil {
		return err
	}
	if current.Name == model.RegisteredRole {
		return model.NewForbiddenError(model.ErrCodeForbidden, "baseline role cannot be deleted")
	}
	if err := s.checkCeiling(actor, current); err != nil {
		return err
	}
	if err := s.roleRepo.DeleteRole(ctx, name); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	slog.Info("role deleted", slog.String("role", name), slog.String("actor", actor.UserGUID))
	return s.Reload(ctx)
}

// Grant は対象ユーザーにロールを付与し、更新後のマスクを返す。
func (s *Service) Grant(ctx context.Context, actor model.AuthContext, userGUID, roleName string) (model.RoleMask, error) {
	return s.changeMask(ctx, actor, userGUID, roleName, func(mask, bit model.RoleMask) model.RoleMask {
		return mask | bit
	})
}

// Revoke は対象ユーザーからロールを剥奪し、更新後のマスクを返す。
func (s *Service) Revoke(ctx context.Context, actor model.AuthContext, userGUID, roleName string) (model.RoleMask, error) {
	return s.changeMask(ctx, actor, userGUID, roleName, func(mask, bit model.RoleMask) model.RoleMask {
		return mask &^ bit
	})
}

func (s *Service) changeMask(ctx context.Context, actor model.AuthContext, userGUID, roleName string, apply func(mask, bit model.RoleMask) model.RoleMask) (model.RoleMask, error) {
	r, err := s.lookup(roleName)
	if err != nil {
		return 0, err
	}
	if err := s.checkCeiling(actor, r); err != nil {
		return 0, err
	}

	target, err := s.identities.FindByGUID(ctx, userGUID)
	if err != nil {
		return 0, fmt.Errorf("failed to find identity: %w", err)
	}
	if target == nil {
		return 0, model.NewUserNotFoundError()
	}

	mask := apply(target.RoleMask, r.Mask())
	if mask == target.RoleMask {
		return mask, nil
	}
	if err := s.identities.UpdateRoleMask(ctx, userGUID, mask); err != nil {
		return 0, fmt.Errorf("failed to update role mask: %w", err)
	}
	slog.Info("role mask changed",
		slog.String("user_guid", userGUID),
		slog.String("role", roleName),
		slog.String("actor", actor.UserGUID),
	)
	return mask, nil
}

func (s *Service) lookup(name string) (model.Role, error) {
	r, ok := s.registry.Lookup(name)
	if !ok {
		return model.Role{}, model.NewProtocolError(model.ErrCodeInvalidPayload, fmt.Sprintf("unknown role %q", name))
	}
	return r, nil
}

func (s *Service) checkCeiling(actor model.AuthContext, r model.Role) error {
	if !CanManage(actor.RoleMask, r) {
		return model.NewForbiddenError(model.ErrCodeRoleCeiling, fmt.Sprintf("role %q is above your ceiling", r.Name))
	}
	return nil
}

// mapRepoError は名前・ビットの重複をProtocolErrorに変換する。
func mapRepoError(action string, err error) error {
	if errors.Is(err, repository.ErrDuplicate) {
		return model.NewProtocolError(model.ErrCodeInvalidPayload, "role name or bit is already in use")
	}
	return fmt.Errorf("failed to %s role: %w", action, err)
}
