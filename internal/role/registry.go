// Package role はビットマスクによるロール階層とロール管理を提供する。
package role

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/hitoshi/keystone/internal/model"
)

// Source はロール定義の読み込み元。
type Source interface {
	ListRoles(ctx context.Context) ([]model.Role, error)
}

// table はある時点のロール定義のスナップショット。生成後は変更しない。
type table struct {
	roles  []model.Role // ビット昇順
	byName map[string]model.Role
}

func newTable(roles []model.Role) (*table, error) {
	t := &table{
		roles:  make([]model.Role, 0, len(roles)),
		byName: make(map[string]model.Role, len(roles)),
	}
	seenBits := make(map[int]string, len(roles))
	for _, r := range roles {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if other, ok := seenBits[r.Bit]; ok {
			return nil, fmt.Errorf("roles %q and %q share bit %d", other, r.Name, r.Bit)
		}
		if _, ok := t.byName[r.Name]; ok {
			return nil, fmt.Errorf("duplicate role name %q", r.Name)
		}
		seenBits[r.Bit] = r.Name
		t.byName[r.Name] = r
		t.roles = append(t.roles, r)
	}
	sort.Slice(t.roles, func(i, j int) bool { return t.roles[i].Bit < t.roles[j].Bit })
	return t, nil
}

// Registry はプロセス全体で共有するロール定義テーブル。
// 再読み込みはテーブル全体の差し替えで行い、読み手が更新途中の状態を観測することはない。
type Registry struct {
	current atomic.Pointer[table]
	onSwap  func()
}

// NewRegistry は初期ロールでRegistryを生成する。
func NewRegistry(roles ...model.Role) (*Registry, error) {
	r := &Registry{}
	if err := r.Swap(roles); err != nil {
		return nil, err
	}
	return r, nil
}

// OnSwap はテーブル差し替え時に呼ばれるフックを設定する。メトリクス用。
func (r *Registry) OnSwap(fn func()) {
	r.onSwap = fn
}

// Load はSourceからロール定義を読み込み、テーブルを差し替える。
func (r *Registry) Load(ctx context.Context, src Source) error {
	roles, err := src.ListRoles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load roles: %w", err)
	}
	return r.Swap(roles)
}

// Swap は新しいロール定義でテーブル全体を差し替える。
// 定義が不正な場合は既存のテーブルを維持する。
func (r *Registry) Swap(roles []model.Role) error {
	t, err := newTable(roles)
	if err != nil {
		return err
	}
	r.current.Store(t)
	if r.onSwap != nil {
		r.onSwap()
	}
	return nil
}

func (r *Registry) snapshot() *table {
	if t := r.current.Load(); t != nil {
		return t
	}
	return &table{byName: map[string]model.Role{}}
}

// Roles は全ロール定義をビット昇順で返す。
func (r *Registry) Roles() []model.Role {
	t := r.snapshot()
	out := make([]model.Role, len(t.roles))
	copy(out, t.roles)
	return out
}

// Lookup は名前でロールを検索する。
func (r *Registry) Lookup(name string) (model.Role, bool) {
	role, ok := r.snapshot().byName[name]
	return role, ok
}

// MaskToNames はマスクに含まれるロール名をビット昇順で返す。
// 未定義のビットは無視する。
func (r *Registry) MaskToNames(mask model.RoleMask) []string {
	names := []string{}
	for _, role := range r.snapshot().roles {
		if mask.Has(role.Mask()) {
			names = append(names, role.Name)
		}
	}
	return names
}

// NamesToMask はロール名の一覧をマスクに変換する。未定義の名前はプロトコルエラーとする。
func (r *Registry) NamesToMask(names []string) (model.RoleMask, error) {
	t := r.snapshot()
	var mask model.RoleMask
	for _, name := range names {
		role, ok := t.byName[name]
		if !ok {
			return 0, model.NewProtocolError(model.ErrCodeInvalidPayload, fmt.Sprintf("unknown role %q", name))
		}
		mask |= role.Mask()
	}
	return mask, nil
}

// BaselineMask は基本ロール（registered）のマスクを返す。未定義の場合はビット0とみなす。
func (r *Registry) BaselineMask() model.RoleMask {
	if role, ok := r.Lookup(model.RegisteredRole); ok {
		return role.Mask()
	}
	return 1
}

// Visible は操作者の上限以下のロールだけを返す。
func (r *Registry) Visible(actor model.RoleMask) []model.Role {
	out := []model.Role{}
	for _, role := range r.snapshot().roles {
		if CanManage(actor, role) {
			out = append(out, role)
		}
	}
	return out
}
