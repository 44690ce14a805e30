package record

import (
	"bytes"

	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
)

// TreeCursor 范围扫描游标。两次取数之间不持有任何latch，
// 靠记住的帧指针和modify_clock做乐观重定位，失效时按lastKey重新下探。
type TreeCursor struct {
	bt *BTree

	// IncludeDeleted 为真时吐出带删除标记的记录，供MVCC可见性判定
	IncludeDeleted bool
	// LastDeleted 最近一次Next返回的记录是否带删除标记
	LastDeleted bool

	frame   *buffer_pool.Frame
	mc      uint64
	lastKey []byte
	started bool
	eof     bool
}

// NewCursor 创建游标，起始于startKey（nil表示从头扫）
func (bt *BTree) NewCursor(startKey []byte) *TreeCursor {
	c := &TreeCursor{bt: bt}
	if startKey != nil {
		c.lastKey = append([]byte(nil), startKey...)
	}
	return c
}

func (c *TreeCursor) searchKey() []byte {
	if c.lastKey == nil {
		return []byte{}
	}
	return c.lastKey
}

// Next 取下一条记录。首次调用返回键不小于startKey的第一条。
func (c *TreeCursor) Next() ([]byte, []byte, bool, error) {
	if c.eof {
		return nil, nil, false, nil
	}
	m := mtr.Start(c.bt.pool, c.bt.log)
	defer m.CommitNoModify()

	var f *buffer_pool.Frame
	if c.frame != nil && c.bt.pool.OptimisticGet(buffer_pool.RW_S_LATCH, c.frame, c.mc) {
		f = c.frame
		m.PushMemo(f, buffer_pool.RW_S_LATCH)
	} else {
		var err error
		f, err = c.bt.searchLeaf(m, c.searchKey(), buffer_pool.RW_S_LATCH)
		if err != nil {
			return nil, nil, false, err
		}
	}

	page := f.Data()
	prev := PageSearchPrev(page, c.searchKey())
	rec := RecNext(page, prev)

	// 已返回过的键不再吐出
	if c.started && rec != 0 && RecType(page, rec) == common.ORDINARY_RECORD &&
		bytes.Equal(RecKey(page, rec), c.lastKey) {
		rec = RecNext(page, rec)
	}

	for {
		if rec == 0 || RecType(page, rec) == common.SUPREMUM_RECORD {
			next := pages.GetPageNext(page)
			if next == common.FIL_NULL {
				c.eof = true
				c.frame = nil
				return nil, nil, false, nil
			}
			var err error
			f, err = m.GetPage(c.bt.spaceId, next, buffer_pool.RW_S_LATCH, buffer_pool.BUF_GET)
			if err != nil {
				return nil, nil, false, err
			}
			page = f.Data()
			rec = RecNext(page, pages.PAGE_INFIMUM)
			continue
		}
		if !c.IncludeDeleted && RecIsDeleted(page, rec) {
			rec = RecNext(page, rec)
			continue
		}
		break
	}

	key := append([]byte(nil), RecKey(page, rec)...)
	value := append([]byte(nil), RecValue(page, rec)...)
	c.LastDeleted = RecIsDeleted(page, rec)
	c.lastKey = key
	c.frame = f
	c.mc = f.ModifyClock()
	c.started = true
	return key, value, true, nil
}
