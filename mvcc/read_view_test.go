package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadViewVisibility(t *testing.T) {
	// 快照时刻: 事务12/15/19仍活跃, 下一个ID是21, 视图属于事务15
	rv := NewReadView([]TrxId{12, 15, 19}, 21, 15)

	t.Run("自己的修改永远可见", func(t *testing.T) {
		assert.True(t, rv.IsVisible(15))
	})

	t.Run("快照之前提交的事务可见", func(t *testing.T) {
		// 比最小活跃事务还早
		assert.True(t, rv.IsVisible(3))
		assert.True(t, rv.IsVisible(11))
		// 在活跃区间内但已提交（不在快照里）
		assert.True(t, rv.IsVisible(13))
		assert.True(t, rv.IsVisible(18))
		assert.True(t, rv.IsVisible(20))
	})

	t.Run("快照里的活跃事务不可见", func(t *testing.T) {
		assert.False(t, rv.IsVisible(12))
		assert.False(t, rv.IsVisible(19))
	})

	t.Run("视图之后开启的事务不可见", func(t *testing.T) {
		assert.False(t, rv.IsVisible(21))
		assert.False(t, rv.IsVisible(1000))
	})
}

func TestReadViewEdge(t *testing.T) {
	t.Run("空快照只受上界约束", func(t *testing.T) {
		rv := NewReadView(nil, 8, 7)
		for id := TrxId(1); id < 8; id++ {
			assert.True(t, rv.IsVisible(id), "id=%d", id)
		}
		assert.False(t, rv.IsVisible(8))
		assert.Equal(t, 0, rv.SnapshotLen())
	})

	t.Run("单元素快照", func(t *testing.T) {
		rv := NewReadView([]TrxId{5}, 6, 5)
		// 自己既在快照也是creator, creator优先
		assert.True(t, rv.IsVisible(5))
		assert.True(t, rv.IsVisible(4))
		assert.False(t, rv.IsVisible(6))
	})

	t.Run("快照与视图属性", func(t *testing.T) {
		rv := NewReadView([]TrxId{2, 4}, 9, 4)
		assert.Equal(t, TrxId(4), rv.Creator())
		assert.Equal(t, TrxId(9), rv.UpLimit())
		assert.Equal(t, 2, rv.SnapshotLen())
	})

	t.Run("裁决结果与提交先后无关", func(t *testing.T) {
		// 同一个快照反复裁决同一个ID, 结果稳定
		rv := NewReadView([]TrxId{10}, 12, 11)
		for i := 0; i < 3; i++ {
			assert.False(t, rv.IsVisible(10))
			assert.True(t, rv.IsVisible(9))
		}
	})
}
