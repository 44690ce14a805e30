package record

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

var ErrKeyNotFound = errors.New("key not found")

// SegmentAllocator B+树向段管理器申请与归还页面的接口
type SegmentAllocator interface {
	AllocPage(m *mtr.Mtr, spaceId uint32, seg common.FilAddr, hint uint32, dir uint16) (uint32, error)
	FreePage(m *mtr.Mtr, spaceId uint32, seg common.FilAddr, pageNo uint32) error
}

// 方向提示，与段管理器约定一致
const (
	allocUp    = 1
	allocNoDir = 3
)

// BTree 聚簇B+树。根页号固定不变，根分裂时把内容下放到新页。
// 叶子与非叶子各占一个段。
type BTree struct {
	pool    *buffer_pool.BufferPool
	log     *redo.Log
	alloc   SegmentAllocator
	spaceId uint32
	indexId uint64

	rootPageNo uint32
	leafSeg    common.FilAddr
	topSeg     common.FilAddr
}

type promotion struct {
	key       []byte
	newPageNo uint32
}

// CreateBTree 建树：从非叶子段分配根页并初始化为空叶子，
// 根页头部记下两个段的inode位置
func CreateBTree(m *mtr.Mtr, pool *buffer_pool.BufferPool, log *redo.Log, alloc SegmentAllocator,
	spaceId uint32, indexId uint64, leafSeg common.FilAddr, topSeg common.FilAddr) (*BTree, error) {

	rootPageNo, err := alloc.AllocPage(m, spaceId, topSeg, 0, allocNoDir)
	if err != nil {
		return nil, err
	}
	rootF, err := m.CreatePage(spaceId, rootPageNo, common.FILE_PAGE_INDEX)
	if err != nil {
		return nil, err
	}
	PageCreate(m, rootF, true, indexId, 0)

	writeSegHeader(m, rootF, pages.PageHeaderField(pages.PAGE_BTR_SEG_LEAF), spaceId, leafSeg)
	writeSegHeader(m, rootF, pages.PageHeaderField(pages.PAGE_BTR_SEG_TOP), spaceId, topSeg)

	return &BTree{
		pool:       pool,
		log:        log,
		alloc:      alloc,
		spaceId:    spaceId,
		indexId:    indexId,
		rootPageNo: rootPageNo,
		leafSeg:    leafSeg,
		topSeg:     topSeg,
	}, nil
}

// OpenBTree 打开既有的树
func OpenBTree(pool *buffer_pool.BufferPool, log *redo.Log, alloc SegmentAllocator,
	spaceId uint32, indexId uint64, rootPageNo uint32, leafSeg common.FilAddr, topSeg common.FilAddr) *BTree {
	return &BTree{
		pool:       pool,
		log:        log,
		alloc:      alloc,
		spaceId:    spaceId,
		indexId:    indexId,
		rootPageNo: rootPageNo,
		leafSeg:    leafSeg,
		topSeg:     topSeg,
	}
}

func writeSegHeader(m *mtr.Mtr, f *buffer_pool.Frame, offset uint32, spaceId uint32, seg common.FilAddr) {
	m.Write4(f, offset+pages.FSEG_HDR_SPACE, spaceId)
	m.Write4(f, offset+pages.FSEG_HDR_PAGE_NO, seg.PageNo)
	m.Write2(f, offset+pages.FSEG_HDR_OFFSET, seg.Boffset)
}

// RootPageNo 根页号
func (bt *BTree) RootPageNo() uint32 { return bt.rootPageNo }

// SpaceId 所在表空间
func (bt *BTree) SpaceId() uint32 { return bt.spaceId }

// segFor 层级对应的分配段
func (bt *BTree) segFor(level uint16) common.FilAddr {
	if level == 0 {
		return bt.leafSeg
	}
	return bt.topSeg
}

// nodeSearchChild 非叶子页里找承接key的孩子页号
func nodeSearchChild(page []byte, key []byte) uint32 {
	prev := PageSearchPrev(page, key)
	next := RecNext(page, prev)
	if next != 0 && CompareWithKey(page, next, key) == 0 {
		prev = next
	} else if RecType(page, prev) == common.INFIMUM_RECORD {
		// 比最小node ptr还小的键落到第一个孩子
		prev = next
	}
	return util.ReadUB4Byte2UInt32(RecValue(page, prev))
}

// Insert 插入(key,value)，路径上的页满时逐层分裂
func (bt *BTree) Insert(m *mtr.Mtr, key []byte, value []byte) error {
	promo, err := bt.insertInto(m, bt.rootPageNo, key, value)
	if err != nil {
		return err
	}
	if promo != nil {
		return bt.raiseRoot(m, promo)
	}
	return nil
}

func (bt *BTree) insertInto(m *mtr.Mtr, pageNo uint32, key []byte, value []byte) (*promotion, error) {
	f, err := m.GetPage(bt.spaceId, pageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	if err != nil {
		return nil, err
	}
	page := f.Data()

	if pages.GetLevel(page) > 0 {
		child := nodeSearchChild(page, key)
		promo, err := bt.insertInto(m, child, key, value)
		if err != nil || promo == nil {
			return nil, err
		}
		// 孩子分裂了，把新的node ptr插到本层
		data := MakePayload(promo.key, util.ConvertUInt4Bytes(promo.newPageNo))
		return bt.insertData(m, f, promo.key, data, common.NOLEAF_RECORD)
	}

	data := MakePayload(key, value)
	return bt.insertData(m, f, key, data, common.ORDINARY_RECORD)
}

func (bt *BTree) insertData(m *mtr.Mtr, f *buffer_pool.Frame, key []byte, data []byte, recType uint8) (*promotion, error) {
	prev := PageSearchPrev(f.Data(), key)
	_, err := PageInsert(m, f, prev, data, recType)
	if err == nil {
		return nil, nil
	}
	if errors.Cause(err) != ErrPageFull {
		return nil, err
	}
	return bt.splitAndInsert(m, f, key, data, recType)
}

// splitAndInsert 页面按中位记录分裂，右半迁往新页，
// 待插记录落到对应的一半，返回给上层的新node ptr
func (bt *BTree) splitAndInsert(m *mtr.Mtr, f *buffer_pool.Frame, key []byte, data []byte, recType uint8) (*promotion, error) {
	page := f.Data()
	level := pages.GetLevel(page)
	n := pages.GetNRecs(page)
	if n < 2 {
		return nil, errors.Wrap(ErrPageCorrupted, "无法分裂记录不足的页面")
	}

	splitRec := RecNext(page, pages.PAGE_INFIMUM)
	for i := uint16(0); i < n/2; i++ {
		splitRec = RecNext(page, splitRec)
	}

	newPageNo, err := bt.alloc.AllocPage(m, bt.spaceId, bt.segFor(level), f.PageNo(), allocUp)
	if err != nil {
		return nil, err
	}
	nf, err := m.CreatePage(bt.spaceId, newPageNo, common.FILE_PAGE_INDEX)
	if err != nil {
		return nil, err
	}
	PageCreate(m, nf, true, bt.indexId, level)

	if err := PageCopyRecListEnd(m, nf, f, splitRec, level == 0); err != nil {
		return nil, err
	}
	if err := PageDeleteRecListEnd(m, f, splitRec); err != nil {
		return nil, err
	}

	// 兄弟链
	oldNext := pages.GetPageNext(page)
	m.Write4(nf, common.FIL_PAGE_PREV, f.PageNo())
	m.Write4(nf, common.FIL_PAGE_NEXT, oldNext)
	m.Write4(f, common.FIL_PAGE_NEXT, newPageNo)
	if oldNext != common.FIL_NULL {
		nextF, err := m.GetPage(bt.spaceId, oldNext, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return nil, err
		}
		m.Write4(nextF, common.FIL_PAGE_PREV, newPageNo)
	}

	firstOfNew := RecNext(nf.Data(), pages.PAGE_INFIMUM)
	promoKey := make([]byte, len(RecKey(nf.Data(), firstOfNew)))
	copy(promoKey, RecKey(nf.Data(), firstOfNew))

	// 待插记录按键落页
	target := f
	if bytes.Compare(key, promoKey) >= 0 {
		target = nf
	}
	prev := PageSearchPrev(target.Data(), key)
	if _, err := PageInsert(m, target, prev, data, recType); err != nil {
		return nil, errors.Wrap(err, "分裂后插入仍然失败")
	}
	return &promotion{key: promoKey, newPageNo: newPageNo}, nil
}

// raiseRoot 根分裂：根页号不变，现有内容下放到新的左页，
// 根重建为上一层并挂两个node ptr
func (bt *BTree) raiseRoot(m *mtr.Mtr, promo *promotion) error {
	rootF, err := m.GetPage(bt.spaceId, bt.rootPageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	if err != nil {
		return err
	}
	level := pages.GetLevel(rootF.Data())

	leftPageNo, err := bt.alloc.AllocPage(m, bt.spaceId, bt.segFor(level), bt.rootPageNo, allocNoDir)
	if err != nil {
		return err
	}
	leftF, err := m.CreatePage(bt.spaceId, leftPageNo, common.FILE_PAGE_INDEX)
	if err != nil {
		return err
	}
	PageCreate(m, leftF, true, bt.indexId, level)

	firstRec := RecNext(rootF.Data(), pages.PAGE_INFIMUM)
	if err := PageCopyRecListEnd(m, leftF, rootF, firstRec, level == 0); err != nil {
		return err
	}

	// 左右页建链，根退出兄弟链
	m.Write4(leftF, common.FIL_PAGE_PREV, common.FIL_NULL)
	m.Write4(leftF, common.FIL_PAGE_NEXT, promo.newPageNo)
	rightF, err := m.GetPage(bt.spaceId, promo.newPageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	if err != nil {
		return err
	}
	m.Write4(rightF, common.FIL_PAGE_PREV, leftPageNo)
	m.Write4(rootF, common.FIL_PAGE_PREV, common.FIL_NULL)
	m.Write4(rootF, common.FIL_PAGE_NEXT, common.FIL_NULL)

	leftKey := make([]byte, len(RecKey(leftF.Data(), RecNext(leftF.Data(), pages.PAGE_INFIMUM))))
	copy(leftKey, RecKey(leftF.Data(), RecNext(leftF.Data(), pages.PAGE_INFIMUM)))

	PageCreate(m, rootF, true, bt.indexId, level+1)
	for _, ptr := range []struct {
		key    []byte
		pageNo uint32
	}{
		{leftKey, leftPageNo},
		{promo.key, promo.newPageNo},
	} {
		data := MakePayload(ptr.key, util.ConvertUInt4Bytes(ptr.pageNo))
		prev := PageSearchPrev(rootF.Data(), ptr.key)
		if _, err := PageInsert(m, rootF, prev, data, common.NOLEAF_RECORD); err != nil {
			return err
		}
	}
	return nil
}

// searchLeaf 下探到承接key的叶子页号
func (bt *BTree) searchLeaf(m *mtr.Mtr, key []byte, latchMode buffer_pool.LatchMode) (*buffer_pool.Frame, error) {
	pageNo := bt.rootPageNo
	for {
		f, err := m.GetPage(bt.spaceId, pageNo, latchMode, buffer_pool.BUF_GET)
		if err != nil {
			return nil, err
		}
		if pages.GetLevel(f.Data()) == 0 {
			return f, nil
		}
		pageNo = nodeSearchChild(f.Data(), key)
	}
}

// Search 精确查找，返回记录值的拷贝
func (bt *BTree) Search(key []byte) ([]byte, bool, error) {
	m := mtr.Start(bt.pool, bt.log)
	defer m.CommitNoModify()

	f, err := bt.searchLeaf(m, key, buffer_pool.RW_S_LATCH)
	if err != nil {
		return nil, false, err
	}
	origin, found := PageFind(f.Data(), key)
	if !found || RecIsDeleted(f.Data(), origin) {
		return nil, false, nil
	}
	val := make([]byte, len(RecValue(f.Data(), origin)))
	copy(val, RecValue(f.Data(), origin))
	return val, true, nil
}

// SearchRaw 精确查找但不跳过删除标记，返回(值拷贝, 是否删除标记, 是否存在)
func (bt *BTree) SearchRaw(key []byte) ([]byte, bool, bool, error) {
	m := mtr.Start(bt.pool, bt.log)
	defer m.CommitNoModify()

	f, err := bt.searchLeaf(m, key, buffer_pool.RW_S_LATCH)
	if err != nil {
		return nil, false, false, err
	}
	origin, found := PageFind(f.Data(), key)
	if !found {
		return nil, false, false, nil
	}
	val := make([]byte, len(RecValue(f.Data(), origin)))
	copy(val, RecValue(f.Data(), origin))
	return val, RecIsDeleted(f.Data(), origin), true, nil
}

// Update 原地更新：值等长时直接覆盖，否则删旧插新
func (bt *BTree) Update(m *mtr.Mtr, key []byte, value []byte) error {
	f, err := bt.searchLeaf(m, key, buffer_pool.RW_X_LATCH)
	if err != nil {
		return err
	}
	page := f.Data()
	origin, found := PageFind(page, key)
	if !found {
		return errors.WithStack(ErrKeyNotFound)
	}
	old := RecValue(page, origin)
	if len(old) == len(value) {
		valOff := uint32(origin) + REC_DATA_LEN_SIZE + 2 + uint32(len(RecKey(page, origin)))
		m.IndexOps(f, pages.IsCompact(page)).
			SetOffset(uint16(valOff)).
			Change(value).
			Finish()
		return nil
	}
	prev := PageSearchPrev(page, key)
	if err := PageDelete(m, f, prev); err != nil {
		return err
	}
	return bt.Insert(m, key, value)
}

// Delete 物理删除一条记录
func (bt *BTree) Delete(m *mtr.Mtr, key []byte) error {
	f, err := bt.searchLeaf(m, key, buffer_pool.RW_X_LATCH)
	if err != nil {
		return err
	}
	page := f.Data()
	if _, found := PageFind(page, key); !found {
		return errors.WithStack(ErrKeyNotFound)
	}
	prev := PageSearchPrev(page, key)
	if err := PageDelete(m, f, prev); err != nil {
		return err
	}
	if pages.GetNRecs(page) == 0 && f.PageNo() != bt.rootPageNo {
		return bt.discardLeaf(m, f, key)
	}
	return nil
}

// discardLeaf 叶子清空后摘出兄弟链、去掉父页node ptr并归还页面
func (bt *BTree) discardLeaf(m *mtr.Mtr, f *buffer_pool.Frame, key []byte) error {
	prevNo := pages.GetPagePrev(f.Data())
	nextNo := pages.GetPageNext(f.Data())
	if prevNo != common.FIL_NULL {
		pf, err := m.GetPage(bt.spaceId, prevNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
		m.Write4(pf, common.FIL_PAGE_NEXT, nextNo)
	}
	if nextNo != common.FIL_NULL {
		nf, err := m.GetPage(bt.spaceId, nextNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
		m.Write4(nf, common.FIL_PAGE_PREV, prevNo)
	}

	// 找到叶子的父页
	pageNo := bt.rootPageNo
	for {
		pf, err := m.GetPage(bt.spaceId, pageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
		level := pages.GetLevel(pf.Data())
		if level == 0 {
			break
		}
		if level == 1 {
			// 扫记录链找指向被弃页的node ptr
			prevRec := uint16(pages.PAGE_INFIMUM)
			rec := RecNext(pf.Data(), prevRec)
			for rec != 0 && RecType(pf.Data(), rec) != common.SUPREMUM_RECORD {
				if util.ReadUB4Byte2UInt32(RecValue(pf.Data(), rec)) == f.PageNo() {
					if pages.GetNRecs(pf.Data()) >= 2 {
						if err := PageDelete(m, pf, prevRec); err != nil {
							return err
						}
					}
					break
				}
				prevRec = rec
				rec = RecNext(pf.Data(), rec)
			}
			break
		}
		pageNo = nodeSearchChild(pf.Data(), key)
	}
	return bt.alloc.FreePage(m, bt.spaceId, bt.leafSeg, f.PageNo())
}

// ValidatePages 沿叶子链校验每个页面的目录不变式
func (bt *BTree) ValidatePages() error {
	m := mtr.Start(bt.pool, bt.log)
	defer m.CommitNoModify()

	f, err := bt.searchLeaf(m, []byte{}, buffer_pool.RW_S_LATCH)
	if err != nil {
		return err
	}
	for {
		if err := PageValidate(f.Data()); err != nil {
			return errors.Wrapf(err, "page=%d", f.PageNo())
		}
		next := pages.GetPageNext(f.Data())
		if next == common.FIL_NULL {
			return nil
		}
		f, err = m.GetPage(bt.spaceId, next, buffer_pool.RW_S_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
	}
}

// DeleteMark 打删除标记，物理空间由purge回收
func (bt *BTree) DeleteMark(m *mtr.Mtr, key []byte, deleted bool) error {
	f, err := bt.searchLeaf(m, key, buffer_pool.RW_X_LATCH)
	if err != nil {
		return err
	}
	origin, found := PageFind(f.Data(), key)
	if !found {
		return errors.WithStack(ErrKeyNotFound)
	}
	SetDeleteMark(m, f, origin, deleted)
	return nil
}
