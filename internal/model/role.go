package model

import "fmt"

// RoleMask はロールのビットマスク。個々のロールは1ビットで表現する。
type RoleMask uint64

// MaxRoleBit は割り当て可能な最大ビット。ビット63は予約済み。
const MaxRoleBit = 62

// RegisteredRole は1つ以上のプロバイダーと紐付いた全Identityに暗黙で付与される基本ロール名。
const RegisteredRole = "registered"

// Has はmaskとoのいずれかのビットが重なるかを返す。
func (m RoleMask) Has(o RoleMask) bool {
	return m&o != 0
}

// Role はロール定義を表す。
type Role struct {
	Name    string
	Bit     int
	Display string
}

// Mask はロールのビットマスクを返す。
func (r Role) Mask() RoleMask {
	return RoleMask(1) << uint(r.Bit)
}

// Validate はロール定義の妥当性を検証する。
func (r Role) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("role name is required")
	}
	if r.Bit < 0 || r.Bit > MaxRoleBit {
		return fmt.Errorf("role %q: bit %d out of range 0..%d", r.Name, r.Bit, MaxRoleBit)
	}
	return nil
}
