// Package mvcc 多版本并发控制：一致性读视图与行版本可见性裁决
package mvcc

import "sort"

// TrxId 事务ID类型
type TrxId = uint64

// ReadView 一致性读视图。创建时对事务系统拍一次快照：
// snapshot里是当时仍活跃的事务ID（升序保存），upLimit是当时
// 还未分配出去的最小事务ID。视图存续期间裁决结果保持稳定，
// 与创建之后发生的提交无关。
type ReadView struct {
	creator  TrxId
	upLimit  TrxId
	snapshot []TrxId
}

// NewReadView 创建读视图，active必须已按升序排好
func NewReadView(active []TrxId, upLimit TrxId, creator TrxId) *ReadView {
	snap := make([]TrxId, len(active))
	copy(snap, active)
	return &ReadView{
		creator:  creator,
		upLimit:  upLimit,
		snapshot: snap,
	}
}

// IsVisible 创建者为trxId的行版本对本视图是否可见。
// 自己的修改永远可见；视图之后才开启的事务一律不可见；
// 其余事务看快照时刻是否已经提交（即不在活跃快照里）。
func (rv *ReadView) IsVisible(trxId TrxId) bool {
	if trxId == rv.creator {
		return true
	}
	if trxId >= rv.upLimit {
		return false
	}
	return !rv.inSnapshot(trxId)
}

// inSnapshot 二分判断快照时刻该事务是否仍活跃
func (rv *ReadView) inSnapshot(trxId TrxId) bool {
	if len(rv.snapshot) == 0 || trxId < rv.snapshot[0] {
		return false
	}
	i := sort.Search(len(rv.snapshot), func(k int) bool {
		return rv.snapshot[k] >= trxId
	})
	return i < len(rv.snapshot) && rv.snapshot[i] == trxId
}

// Creator 创建本视图的事务
func (rv *ReadView) Creator() TrxId {
	return rv.creator
}

// UpLimit 快照时刻下一个待分配的事务ID
func (rv *ReadView) UpLimit() TrxId {
	return rv.upLimit
}

// SnapshotLen 快照中活跃事务的个数
func (rv *ReadView) SnapshotLen() int {
	return len(rv.snapshot)
}
