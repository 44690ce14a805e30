package record

import (
	"github.com/pkg/errors"
	"github.com/smartystreets/assertions"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

var (
	ErrPageFull       = errors.New("index page full")
	ErrRecordNotFound = errors.New("record not found in page")
	ErrPageCorrupted  = errors.New("index page corrupted")
)

// writeHeader2 写页头2字节字段
func writeHeader2(m *mtr.Mtr, f *buffer_pool.Frame, field uint32, val uint16) {
	m.Write2(f, pages.PageHeaderField(field), val)
}

// writeNHeap 写堆记录数，保持compact标志位
func writeNHeap(m *mtr.Mtr, f *buffer_pool.Frame, n uint16, compact bool) {
	if compact {
		n |= pages.PAGE_HEAP_NO_COMPACT_BIT
	}
	writeHeader2(m, f, pages.PAGE_N_HEAP, n)
}

// PageCreate 初始化一个索引页：页头、infimum/supremum哨兵与两槽目录
func PageCreate(m *mtr.Mtr, f *buffer_pool.Frame, compact bool, indexId uint64, level uint16) {
	writeHeader2(m, f, pages.PAGE_N_DIR_SLOTS, 2)
	writeHeader2(m, f, pages.PAGE_HEAP_TOP, pages.PAGE_DATA_START)
	writeNHeap(m, f, 2, compact)
	writeHeader2(m, f, pages.PAGE_FREE, 0)
	writeHeader2(m, f, pages.PAGE_GARBAGE, 0)
	writeHeader2(m, f, pages.PAGE_LAST_INSERT, 0)
	writeHeader2(m, f, pages.PAGE_DIRECTION, common.PAGE_NO_DIRECTION)
	writeHeader2(m, f, pages.PAGE_N_DIRECTION, 0)
	writeHeader2(m, f, pages.PAGE_N_RECS, 0)
	m.Write8(f, pages.PageHeaderField(pages.PAGE_MAX_TRX_ID), 0)
	writeHeader2(m, f, pages.PAGE_LEVEL, level)
	m.Write8(f, pages.PageHeaderField(pages.PAGE_INDEX_ID), indexId)

	infimum := MakeRecImage(0, common.INFIMUM_RECORD, 1, pages.PAGE_SUPREMUM, []byte("infimum\x00"))
	m.WriteBytes(f, pages.PAGE_INFIMUM_EXTRA, infimum)
	supremum := MakeRecImage(1, common.SUPREMUM_RECORD, 1, 0, []byte("supremum"))
	m.WriteBytes(f, pages.PAGE_SUPREMUM_EXTRA, supremum)

	m.Write2(f, pages.DirSlotOffset(uint32(len(f.Data())), 0), pages.PAGE_INFIMUM)
	m.Write2(f, pages.DirSlotOffset(uint32(len(f.Data())), 1), pages.PAGE_SUPREMUM)
}

// PageSearchPrev 定位插入位置：返回键严格小于key的最后一条记录的origin。
// 先在页目录上二分，再沿记录链线性推进。
func PageSearchPrev(page []byte, key []byte) uint16 {
	nSlots := pages.GetNDirSlots(page)
	assertions.ShouldBeLessThan(0, int(nSlots))

	// 二分找到所有者键 < key 的最大槽位
	lo, hi := uint16(0), nSlots-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		owner := pages.GetDirSlot(page, mid)
		if CompareWithKey(page, owner, key) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	rec := pages.GetDirSlot(page, lo)
	for {
		next := RecNext(page, rec)
		if next == 0 || CompareWithKey(page, next, key) >= 0 {
			return rec
		}
		rec = next
	}
}

// PageFind 精确查找，返回记录origin
func PageFind(page []byte, key []byte) (uint16, bool) {
	prev := PageSearchPrev(page, key)
	next := RecNext(page, prev)
	if next != 0 && CompareWithKey(page, next, key) == 0 {
		return next, true
	}
	return 0, false
}

// FindRecWithHeapNo 按堆序号定位记录
func FindRecWithHeapNo(page []byte, heapNo uint16) (uint16, bool) {
	rec := uint16(pages.PAGE_INFIMUM)
	for rec != 0 {
		if RecHeapNo(page, rec) == heapNo {
			return rec, true
		}
		rec = RecNext(page, rec)
	}
	return 0, false
}

// dirBottom 页目录下界（再长就会撞上堆顶）
func dirBottom(page []byte, extraSlots uint16) uint32 {
	return pages.DirSlotOffset(uint32(len(page)), pages.GetNDirSlots(page)-1+extraSlots)
}

// MaxInsertSize 堆上还能连续分配的最大记录字节数
func MaxInsertSize(page []byte) int {
	bottom := int(dirBottom(page, 1))
	top := int(pages.GetHeapTop(page))
	if bottom <= top {
		return 0
	}
	return bottom - top
}

// MaxInsertSizeAfterReorganize 重组页面后可得的最大插入空间
func MaxInsertSizeAfterReorganize(page []byte) int {
	return MaxInsertSize(page) + int(pages.GetGarbage(page))
}

// PageInsert 在prevOrigin之后插入一条记录，返回新记录origin。
// 空间不足返回ErrPageFull，由调用方走页面分裂。
// 记录镜像通过索引页编辑程序写入并记重做。
func PageInsert(m *mtr.Mtr, f *buffer_pool.Frame, prevOrigin uint16, data []byte, recType uint8) (uint16, error) {
	page := f.Data()
	size := uint16(REC_EXTRA_SIZE + REC_DATA_LEN_SIZE + len(data))

	var allocPos uint32
	reused := false

	// 先尝试复用删除链上大小吻合的空洞
	freeRec := pages.GetFree(page)
	var prevFree uint16
	for freeRec != 0 {
		if RecPhysicalSize(page, freeRec) == size {
			nextFree := RecNext(page, freeRec)
			if prevFree == 0 {
				writeHeader2(m, f, pages.PAGE_FREE, nextFree)
			} else {
				m.Write2(f, uint32(prevFree)-2, nextFree)
			}
			writeHeader2(m, f, pages.PAGE_GARBAGE, pages.GetGarbage(page)-size)
			allocPos = uint32(freeRec) - REC_EXTRA_SIZE
			reused = true
			break
		}
		prevFree = freeRec
		freeRec = RecNext(page, freeRec)
	}

	if !reused {
		heapTop := uint32(pages.GetHeapTop(page))
		if heapTop+uint32(size) > dirBottom(page, 1) {
			return 0, ErrPageFull
		}
		allocPos = heapTop
		writeHeader2(m, f, pages.PAGE_HEAP_TOP, uint16(heapTop)+size)
	}

	origin := uint16(allocPos) + REC_EXTRA_SIZE
	heapNo := pages.GetNHeap(page)
	writeNHeap(m, f, heapNo+1, pages.IsCompact(page))

	next := RecNext(page, prevOrigin)
	image := MakeRecImage(heapNo, recType, 0, next, data)
	m.IndexOps(f, pages.IsCompact(page)).
		SetOffset(uint16(allocPos)).
		Change(image).
		Finish()
	m.Write2(f, uint32(prevOrigin)-2, origin)

	writeHeader2(m, f, pages.PAGE_N_RECS, pages.GetNRecs(page)+1)
	updateDirection(m, f, prevOrigin, origin)

	// 组主记录数+1，超过上限则分裂槽位
	ownerOrigin := findOwner(page, origin)
	newOwned := bumpOwned(m, f, ownerOrigin, 1)
	if newOwned > common.PAGE_DIR_SLOT_MAX_N_OWNED {
		dirSplitSlot(m, f, ownerOrigin)
	}
	return origin, nil
}

// updateDirection 维护last_insert与插入方向统计
func updateDirection(m *mtr.Mtr, f *buffer_pool.Frame, prevOrigin uint16, origin uint16) {
	page := f.Data()
	last := util.GetUB2(page, pages.PageHeaderField(pages.PAGE_LAST_INSERT))
	dir := util.GetUB2(page, pages.PageHeaderField(pages.PAGE_DIRECTION))
	nDir := util.GetUB2(page, pages.PageHeaderField(pages.PAGE_N_DIRECTION))

	switch {
	case last == 0:
		dir = common.PAGE_NO_DIRECTION
		nDir = 0
	case last == prevOrigin:
		dir = common.PAGE_RIGHT
		nDir++
	case last == RecNext(page, origin):
		dir = common.PAGE_LEFT
		nDir++
	default:
		dir = common.PAGE_NO_DIRECTION
		nDir = 0
	}
	writeHeader2(m, f, pages.PAGE_DIRECTION, dir)
	writeHeader2(m, f, pages.PAGE_N_DIRECTION, nDir)
	writeHeader2(m, f, pages.PAGE_LAST_INSERT, origin)
}

// findOwner 沿记录链向后找到拥有origin的组主
func findOwner(page []byte, origin uint16) uint16 {
	rec := origin
	for rec != 0 {
		if RecNOwned(page, rec) > 0 {
			return rec
		}
		rec = RecNext(page, rec)
	}
	return pages.PAGE_SUPREMUM
}

// bumpOwned 调整组主的owned计数并返回新值
func bumpOwned(m *mtr.Mtr, f *buffer_pool.Frame, ownerOrigin uint16, delta int) uint8 {
	page := f.Data()
	owned := int(RecNOwned(page, ownerOrigin)) + delta
	info := RecInfoBits(page, ownerOrigin)
	m.Write1(f, uint32(ownerOrigin)-REC_EXTRA_SIZE, info<<REC_INFO_SHIFT|uint8(owned)&REC_N_OWNED_MASK)
	return uint8(owned)
}

// slotIndexOf 找到指向ownerOrigin的槽位下标
func slotIndexOf(page []byte, ownerOrigin uint16) uint16 {
	n := pages.GetNDirSlots(page)
	for i := uint16(0); i < n; i++ {
		if pages.GetDirSlot(page, i) == ownerOrigin {
			return i
		}
	}
	return n
}

// dirSplitSlot 组主owned超限时一分为二：
// 前一半归新组主（组内中间记录），槽数组整体后移腾出位置
func dirSplitSlot(m *mtr.Mtr, f *buffer_pool.Frame, ownerOrigin uint16) {
	page := f.Data()
	slotIdx := slotIndexOf(page, ownerOrigin)
	owned := int(RecNOwned(page, ownerOrigin))
	half := owned / 2

	// 组内第一条记录：上一槽位组主的后继
	start := RecNext(page, pages.GetDirSlot(page, slotIdx-1))
	newOwner := start
	for i := 1; i < half; i++ {
		newOwner = RecNext(page, newOwner)
	}

	// 槽数组slotIdx..n-1后移一位
	nSlots := pages.GetNDirSlots(page)
	for i := nSlots; i > slotIdx; i-- {
		m.Write2(f, pages.DirSlotOffset(uint32(len(page)), i), pages.GetDirSlot(page, i-1))
	}
	m.Write2(f, pages.DirSlotOffset(uint32(len(page)), slotIdx), newOwner)
	writeHeader2(m, f, pages.PAGE_N_DIR_SLOTS, nSlots+1)

	bumpOwned(m, f, newOwner, half)
	bumpOwned(m, f, ownerOrigin, -half)
}

// PageDelete 删除prevOrigin的后继记录：摘链、挂删除链、重建页目录
func PageDelete(m *mtr.Mtr, f *buffer_pool.Frame, prevOrigin uint16) error {
	page := f.Data()
	target := RecNext(page, prevOrigin)
	if target == 0 || RecType(page, target) == common.SUPREMUM_RECORD {
		return errors.WithStack(ErrRecordNotFound)
	}

	m.Write2(f, uint32(prevOrigin)-2, RecNext(page, target))

	// 推到删除链头供复用
	m.Write2(f, uint32(target)-2, pages.GetFree(page))
	writeHeader2(m, f, pages.PAGE_FREE, target)
	writeHeader2(m, f, pages.PAGE_GARBAGE, pages.GetGarbage(page)+RecPhysicalSize(page, target))
	writeHeader2(m, f, pages.PAGE_N_RECS, pages.GetNRecs(page)-1)
	writeHeader2(m, f, pages.PAGE_LAST_INSERT, 0)

	dirRebuild(m, f)
	return nil
}

// dirRebuild 按记录链重建页目录：infimum单独成组，
// 其后按最多8条一组划分，supremum收尾
func dirRebuild(m *mtr.Mtr, f *buffer_pool.Frame) {
	page := f.Data()

	var owners []uint16
	owners = append(owners, pages.PAGE_INFIMUM)

	var group []uint16
	rec := RecNext(page, pages.PAGE_INFIMUM)
	for rec != 0 {
		group = append(group, rec)
		isSupremum := RecType(page, rec) == common.SUPREMUM_RECORD
		if len(group) == common.PAGE_DIR_SLOT_MAX_N_OWNED || isSupremum {
			owner := group[len(group)-1]
			owners = append(owners, owner)
			setOwned(m, f, owner, uint8(len(group)))
			for _, r := range group[:len(group)-1] {
				setOwned(m, f, r, 0)
			}
			group = nil
		}
		if isSupremum {
			break
		}
		rec = RecNext(page, rec)
	}
	setOwned(m, f, pages.PAGE_INFIMUM, 1)

	writeHeader2(m, f, pages.PAGE_N_DIR_SLOTS, uint16(len(owners)))
	for i, owner := range owners {
		m.Write2(f, pages.DirSlotOffset(uint32(len(page)), uint16(i)), owner)
	}
}

// setOwned 改写记录的owned计数，值未变时不产生日志
func setOwned(m *mtr.Mtr, f *buffer_pool.Frame, origin uint16, owned uint8) {
	page := f.Data()
	if RecNOwned(page, origin) == owned {
		return
	}
	info := RecInfoBits(page, origin)
	m.Write1(f, uint32(origin)-REC_EXTRA_SIZE, info<<REC_INFO_SHIFT|owned&REC_N_OWNED_MASK)
}

// SetDeleteMark 设置/清除记录的删除标记
func SetDeleteMark(m *mtr.Mtr, f *buffer_pool.Frame, origin uint16, deleted bool) {
	page := f.Data()
	info := RecInfoBits(page, origin)
	if deleted {
		info |= REC_INFO_DELETED
	} else {
		info &^= REC_INFO_DELETED
	}
	owned := RecNOwned(page, origin)
	m.Write1(f, uint32(origin)-REC_EXTRA_SIZE, info<<REC_INFO_SHIFT|owned&REC_N_OWNED_MASK)
}

// PageLastUserRec 页内最后一条用户记录，没有则返回infimum
func PageLastUserRec(page []byte) uint16 {
	last := uint16(pages.PAGE_INFIMUM)
	rec := RecNext(page, last)
	for rec != 0 && RecType(page, rec) != common.SUPREMUM_RECORD {
		last = rec
		rec = RecNext(page, rec)
	}
	return last
}

// PageCopyRecListEnd 把src上从startOrigin到supremum之前的记录
// 依次追加到dst，页面分裂用。carryMaxTrxId为真时同步max_trx_id。
func PageCopyRecListEnd(m *mtr.Mtr, dst *buffer_pool.Frame, src *buffer_pool.Frame, startOrigin uint16, carryMaxTrxId bool) error {
	srcPage := src.Data()
	prev := PageLastUserRec(dst.Data())
	rec := startOrigin
	for rec != 0 && RecType(srcPage, rec) != common.SUPREMUM_RECORD {
		data := make([]byte, RecDataLen(srcPage, rec))
		copy(data, RecData(srcPage, rec))
		newOrigin, err := PageInsert(m, dst, prev, data, RecType(srcPage, rec))
		if err != nil {
			return err
		}
		prev = newOrigin
		rec = RecNext(srcPage, rec)
	}
	if carryMaxTrxId {
		srcMax := pages.GetMaxTrxId(srcPage)
		if srcMax > pages.GetMaxTrxId(dst.Data()) {
			m.Write8(dst, pages.PageHeaderField(pages.PAGE_MAX_TRX_ID), srcMax)
		}
	}
	return nil
}

// PageDeleteRecListEnd 删除src上从startOrigin到supremum之前的全部记录
func PageDeleteRecListEnd(m *mtr.Mtr, f *buffer_pool.Frame, startOrigin uint16) error {
	page := f.Data()
	startKey := make([]byte, len(RecKey(page, startOrigin)))
	copy(startKey, RecKey(page, startOrigin))
	for {
		prev := PageSearchPrev(page, startKey)
		next := RecNext(page, prev)
		if next == 0 || RecType(page, next) == common.SUPREMUM_RECORD {
			return nil
		}
		if err := PageDelete(m, f, prev); err != nil {
			return err
		}
	}
}

// PageValidate 校验页目录不变式：
// 槽0指向infimum，末槽指向supremum，键升序，中间槽owned在[4,8]
func PageValidate(page []byte) error {
	nSlots := pages.GetNDirSlots(page)
	if nSlots < 2 {
		return errors.Wrap(ErrPageCorrupted, "目录槽数不足2")
	}
	if pages.GetDirSlot(page, 0) != pages.PAGE_INFIMUM {
		return errors.Wrap(ErrPageCorrupted, "槽0未指向infimum")
	}
	if pages.GetDirSlot(page, nSlots-1) != pages.PAGE_SUPREMUM {
		return errors.Wrap(ErrPageCorrupted, "末槽未指向supremum")
	}
	for i := uint16(1); i+1 < nSlots; i++ {
		owner := pages.GetDirSlot(page, i)
		owned := RecNOwned(page, owner)
		if owned < common.PAGE_DIR_SLOT_MIN_N_OWNED || owned > common.PAGE_DIR_SLOT_MAX_N_OWNED {
			return errors.Wrapf(ErrPageCorrupted, "中间槽%d的owned=%d越界", i, owned)
		}
	}

	// 记录链必须键升序；目录槽之间的键序不单独校验
	rec := RecNext(page, pages.PAGE_INFIMUM)
	var lastKey []byte
	count := uint16(0)
	for rec != 0 && RecType(page, rec) != common.SUPREMUM_RECORD {
		key := RecKey(page, rec)
		if lastKey != nil && CompareWithKey(page, rec, lastKey) < 0 {
			return errors.Wrap(ErrPageCorrupted, "记录链乱序")
		}
		lastKey = key
		count++
		rec = RecNext(page, rec)
	}
	if count != pages.GetNRecs(page) {
		return errors.Wrapf(ErrPageCorrupted, "记录数不一致: 链上%d 页头%d", count, pages.GetNRecs(page))
	}
	return nil
}
