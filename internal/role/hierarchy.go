package role

import (
	"math/bits"

	"github.com/hitoshi/keystone/internal/model"
)

// BitOf はマスクの最上位ビットの位置を返す。
// 1ビットだけ立ったマスクではそのビット位置になる。ゼロマスクは0を返す。
func BitOf(mask model.RoleMask) int {
	if mask == 0 {
		return 0
	}
	return bits.Len64(uint64(mask)) - 1
}

// MaxGrantableMask は操作者が管理できるロールの上限マスクを返す。
// 保持ロールの和集合ではなく、最上位の1ビットだけが上限になる。
func MaxGrantableMask(actor model.RoleMask) model.RoleMask {
	return model.RoleMask(1) << uint(BitOf(actor))
}

// CanManage は操作者がロールを閲覧・付与・剥奪できるかを返す。
// ロールを1つも持たない操作者は何も管理できない。
func CanManage(actor model.RoleMask, target model.Role) bool {
	if actor == 0 {
		return false
	}
	return target.Mask() <= MaxGrantableMask(actor)
}
