package manager

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
)

// 页面分配的方向提示
const (
	FSP_UP     = 1
	FSP_DOWN   = 2
	FSP_NO_DIR = 3
)

// SegmentManager 管理段：inode分配、段内页面的申请与归还。
// 段的元数据全部驻留在inode页面上，修改经mtr记重做。
type SegmentManager struct {
	spaceMgr *SpaceManager
}

// NewSegmentManager 创建段管理器
func NewSegmentManager(spaceMgr *SpaceManager) *SegmentManager {
	return &SegmentManager{spaceMgr: spaceMgr}
}

// CreateSegment 创建一个段，返回inode位置(作为段头引用)
func (sg *SegmentManager) CreateSegment(m *mtr.Mtr, spaceId uint32) (common.FilAddr, error) {
	segId, err := sg.spaceMgr.NextSegId(m, spaceId)
	if err != nil {
		return common.FilAddrNull(), errors.Trace(err)
	}

	hdr, err := sg.spaceMgr.headerFrame(m, spaceId)
	if err != nil {
		return common.FilAddrNull(), errors.Trace(err)
	}

	// 找有空位的inode页
	first := pages.FlstGetFirst(hdr.Data(), pages.FSPHeaderField(pages.FSP_SEG_INODES_FREE))
	var inodeF *buffer_pool.Frame
	if first.IsNull() {
		// 新建inode页
		pageNo, err := sg.spaceMgr.AllocFragPage(m, spaceId)
		if err != nil {
			return common.FilAddrNull(), errors.Trace(err)
		}
		inodeF, err = m.CreatePage(spaceId, pageNo, common.FILE_PAGE_INODE)
		if err != nil {
			return common.FilAddrNull(), errors.Trace(err)
		}
		if err := sg.spaceMgr.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FREE), inodeF, pages.FSEG_INODE_PAGE_NODE); err != nil {
			return common.FilAddrNull(), errors.Trace(err)
		}
	} else {
		inodeF, err = m.GetPage(spaceId, first.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return common.FilAddrNull(), errors.Trace(err)
		}
	}

	// 找空inode槽位
	perPage := pages.InodesPerPage(sg.spaceMgr.pageSize)
	slot := uint32(0)
	freeSlots := uint32(0)
	found := false
	for i := uint32(0); i < perPage; i++ {
		if pages.InodeIsFree(inodeF.Data(), pages.InodeOffset(i)) {
			if !found {
				slot = i
				found = true
			}
			freeSlots++
		}
	}
	if !found {
		return common.FilAddrNull(), errors.Trace(ErrCorrupted)
	}

	ioff := pages.InodeOffset(slot)
	m.Write8(inodeF, ioff+pages.FSEG_ID, segId)
	m.Write4(inodeF, ioff+pages.FSEG_NOT_FULL_N_USED, 0)
	flstInitBase(m, inodeF, ioff+pages.FSEG_FREE)
	flstInitBase(m, inodeF, ioff+pages.FSEG_NOT_FULL)
	flstInitBase(m, inodeF, ioff+pages.FSEG_FULL)
	m.Write4(inodeF, ioff+pages.FSEG_MAGIC_N_OFFSET, pages.FSEG_MAGIC_N)
	for i := uint32(0); i < pages.FSEG_FRAG_ARR_N_SLOTS; i++ {
		m.Write4(inodeF, pages.InodeFragSlot(ioff, i), common.FIL_NULL)
	}

	// 本页最后一个空位被占用，挪到FULL链表
	if freeSlots == 1 {
		if err := sg.spaceMgr.flstRemove(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FREE), inodeF, pages.FSEG_INODE_PAGE_NODE); err != nil {
			return common.FilAddrNull(), errors.Trace(err)
		}
		if err := sg.spaceMgr.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FULL), inodeF, pages.FSEG_INODE_PAGE_NODE); err != nil {
			return common.FilAddrNull(), errors.Trace(err)
		}
	}

	logger.Debugf("段%d创建于space=%d inode=(%d,%d)", segId, spaceId, inodeF.PageNo(), ioff)
	return common.FilAddr{PageNo: inodeF.PageNo(), Boffset: uint16(ioff)}, nil
}

// inodeFrame 取段inode所在帧
func (sg *SegmentManager) inodeFrame(m *mtr.Mtr, spaceId uint32, seg common.FilAddr) (*buffer_pool.Frame, uint32, error) {
	f, err := m.GetPage(spaceId, seg.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	ioff := uint32(seg.Boffset)
	if !pages.InodeVerifyMagic(f.Data(), ioff) {
		return nil, 0, errors.Trace(ErrSegmentNotFound)
	}
	return f, ioff, nil
}

// AllocPage 在段内分配一个页面。
// 前32个页面走碎片页槽位，之后按整extent分配；
// hint和dir用来在extent内偏好物理相邻的页号。
func (sg *SegmentManager) AllocPage(m *mtr.Mtr, spaceId uint32, seg common.FilAddr, hint uint32, dir uint16) (uint32, error) {
	inodeF, ioff, err := sg.inodeFrame(m, spaceId, seg)
	if err != nil {
		return 0, err
	}

	// 碎片页阶段
	fragUsed := uint32(0)
	fragFree := uint32(common.FIL_NULL)
	for i := uint32(0); i < pages.FSEG_FRAG_ARR_N_SLOTS; i++ {
		if pages.InodeGetFragPage(inodeF.Data(), ioff, i) != common.FIL_NULL {
			fragUsed++
		} else if fragFree == common.FIL_NULL {
			fragFree = i
		}
	}
	if fragUsed < pages.FSEG_FRAG_ARR_N_SLOTS {
		pageNo, err := sg.spaceMgr.AllocFragPage(m, spaceId)
		if err != nil {
			return 0, err
		}
		m.Write4(inodeF, pages.InodeFragSlot(ioff, fragFree), pageNo)
		return pageNo, nil
	}

	// 整extent阶段：优先NOT_FULL
	notFullFirst := pages.FlstGetFirst(inodeF.Data(), ioff+pages.FSEG_NOT_FULL)
	var descF *buffer_pool.Frame
	var entryOff uint32
	if !notFullFirst.IsNull() {
		descF, err = m.GetPage(spaceId, notFullFirst.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return 0, errors.Trace(err)
		}
		entryOff = uint32(notFullFirst.Boffset) - pages.XDES_FLST_NODE
	} else {
		// 段自己的FREE链表，空了再向表空间要
		segFreeFirst := pages.FlstGetFirst(inodeF.Data(), ioff+pages.FSEG_FREE)
		if segFreeFirst.IsNull() {
			segId := pages.InodeGetSegId(inodeF.Data(), ioff)
			descF, entryOff, err = sg.spaceMgr.AllocExtentForSeg(m, spaceId, segId)
			if err != nil {
				return 0, err
			}
		} else {
			descF, err = m.GetPage(spaceId, segFreeFirst.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
			if err != nil {
				return 0, errors.Trace(err)
			}
			entryOff = uint32(segFreeFirst.Boffset) - pages.XDES_FLST_NODE
			if err := sg.spaceMgr.flstRemove(m, spaceId, inodeF, ioff+pages.FSEG_FREE, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
				return 0, errors.Trace(err)
			}
		}
		if err := sg.spaceMgr.flstAddLast(m, spaceId, inodeF, ioff+pages.FSEG_NOT_FULL, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return 0, errors.Trace(err)
		}
	}

	// extent内按hint与方向挑页
	extentFirst := sg.spaceMgr.extentFirstPage(descF, entryOff)
	hintIdx := 0
	if hint >= extentFirst && hint < extentFirst+common.FSP_EXTENT_SIZE {
		hintIdx = int(hint - extentFirst)
		if dir == FSP_UP && hintIdx+1 < common.FSP_EXTENT_SIZE {
			hintIdx++
		} else if dir == FSP_DOWN && hintIdx > 0 {
			hintIdx--
		}
	}
	idx := pages.XdesFindFreePage(descF.Data(), entryOff, hintIdx)
	if idx < 0 {
		return 0, errors.Trace(ErrCorrupted)
	}
	sg.spaceMgr.xdesSetBit(m, descF, entryOff, idx, true)
	m.Write4(inodeF, ioff+pages.FSEG_NOT_FULL_N_USED, pages.InodeGetNotFullNUsed(inodeF.Data(), ioff)+1)

	if pages.XdesIsFull(descF.Data(), entryOff) {
		if err := sg.spaceMgr.flstRemove(m, spaceId, inodeF, ioff+pages.FSEG_NOT_FULL, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return 0, errors.Trace(err)
		}
		if err := sg.spaceMgr.flstAddLast(m, spaceId, inodeF, ioff+pages.FSEG_FULL, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return 0, errors.Trace(err)
		}
		m.Write4(inodeF, ioff+pages.FSEG_NOT_FULL_N_USED, pages.InodeGetNotFullNUsed(inodeF.Data(), ioff)-common.FSP_EXTENT_SIZE)
	}
	return extentFirst + uint32(idx), nil
}

// FreePage 归还段内页面
func (sg *SegmentManager) FreePage(m *mtr.Mtr, spaceId uint32, seg common.FilAddr, pageNo uint32) error {
	inodeF, ioff, err := sg.inodeFrame(m, spaceId, seg)
	if err != nil {
		return err
	}

	// 碎片页
	for i := uint32(0); i < pages.FSEG_FRAG_ARR_N_SLOTS; i++ {
		if pages.InodeGetFragPage(inodeF.Data(), ioff, i) == pageNo {
			m.Write4(inodeF, pages.InodeFragSlot(ioff, i), common.FIL_NULL)
			return sg.spaceMgr.FreeFragPage(m, spaceId, pageNo)
		}
	}

	descF, entryOff, err := sg.spaceMgr.xdesGet(m, spaceId, pageNo, false)
	if err != nil {
		return errors.Trace(err)
	}
	if pages.XdesGetState(descF.Data(), entryOff) != pages.XDES_FSEG {
		return errors.Trace(ErrCorrupted)
	}

	wasFull := pages.XdesIsFull(descF.Data(), entryOff)
	idx := int(pageNo % common.FSP_EXTENT_SIZE)
	sg.spaceMgr.xdesSetBit(m, descF, entryOff, idx, false)

	if wasFull {
		if err := sg.spaceMgr.flstRemove(m, spaceId, inodeF, ioff+pages.FSEG_FULL, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return errors.Trace(err)
		}
		if err := sg.spaceMgr.flstAddLast(m, spaceId, inodeF, ioff+pages.FSEG_NOT_FULL, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return errors.Trace(err)
		}
		m.Write4(inodeF, ioff+pages.FSEG_NOT_FULL_N_USED, pages.InodeGetNotFullNUsed(inodeF.Data(), ioff)+common.FSP_EXTENT_SIZE-1)
	} else {
		m.Write4(inodeF, ioff+pages.FSEG_NOT_FULL_N_USED, pages.InodeGetNotFullNUsed(inodeF.Data(), ioff)-1)
	}

	if pages.XdesNUsed(descF.Data(), entryOff) == 0 {
		if err := sg.spaceMgr.flstRemove(m, spaceId, inodeF, ioff+pages.FSEG_NOT_FULL, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return errors.Trace(err)
		}
		if err := sg.spaceMgr.FreeExtent(m, spaceId, descF, entryOff); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// FreeStep 段的增量拆除：每次mtr只归还一个页面，
// 页面都还完后释放inode本身并返回true
func (sg *SegmentManager) FreeStep(m *mtr.Mtr, spaceId uint32, seg common.FilAddr) (bool, error) {
	inodeF, ioff, err := sg.inodeFrame(m, spaceId, seg)
	if err != nil {
		return false, err
	}

	// 先还碎片页
	for i := uint32(0); i < pages.FSEG_FRAG_ARR_N_SLOTS; i++ {
		if p := pages.InodeGetFragPage(inodeF.Data(), ioff, i); p != common.FIL_NULL {
			m.Write4(inodeF, pages.InodeFragSlot(ioff, i), common.FIL_NULL)
			return false, sg.spaceMgr.FreeFragPage(m, spaceId, p)
		}
	}

	// 再按extent还
	for _, listOff := range []uint32{ioff + pages.FSEG_NOT_FULL, ioff + pages.FSEG_FULL, ioff + pages.FSEG_FREE} {
		first := pages.FlstGetFirst(inodeF.Data(), listOff)
		if first.IsNull() {
			continue
		}
		descF, err := m.GetPage(spaceId, first.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return false, errors.Trace(err)
		}
		entryOff := uint32(first.Boffset) - pages.XDES_FLST_NODE
		extentFirst := sg.spaceMgr.extentFirstPage(descF, entryOff)
		idx := -1
		for i := 0; i < common.FSP_EXTENT_SIZE; i++ {
			if !pages.XdesPageIsFree(descF.Data(), entryOff, i) {
				idx = i
				break
			}
		}
		if idx < 0 {
			// 空extent，直接整区归还
			if err := sg.spaceMgr.flstRemove(m, spaceId, inodeF, listOff, descF, entryOff+pages.XDES_FLST_NODE); err != nil {
				return false, errors.Trace(err)
			}
			return false, sg.spaceMgr.FreeExtent(m, spaceId, descF, entryOff)
		}
		return false, sg.FreePage(m, spaceId, seg, extentFirst+uint32(idx))
	}

	// 全部还完，抹掉inode并把inode页挪回FREE链表
	hdr, err := sg.spaceMgr.headerFrame(m, spaceId)
	if err != nil {
		return false, errors.Trace(err)
	}
	wasFull := true
	perPage := pages.InodesPerPage(sg.spaceMgr.pageSize)
	for i := uint32(0); i < perPage; i++ {
		if pages.InodeIsFree(inodeF.Data(), pages.InodeOffset(i)) {
			wasFull = false
			break
		}
	}
	m.Write8(inodeF, ioff+pages.FSEG_ID, 0)
	m.Write4(inodeF, ioff+pages.FSEG_MAGIC_N_OFFSET, 0)
	if wasFull {
		if err := sg.spaceMgr.flstRemove(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FULL), inodeF, pages.FSEG_INODE_PAGE_NODE); err != nil {
			return false, errors.Trace(err)
		}
		if err := sg.spaceMgr.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FREE), inodeF, pages.FSEG_INODE_PAGE_NODE); err != nil {
			return false, errors.Trace(err)
		}
	}
	return true, nil
}

// SegUsedPages 段当前占用的页面数，诊断用
func (sg *SegmentManager) SegUsedPages(m *mtr.Mtr, spaceId uint32, seg common.FilAddr) (uint32, error) {
	inodeF, ioff, err := sg.inodeFrame(m, spaceId, seg)
	if err != nil {
		return 0, err
	}
	used := uint32(0)
	for i := uint32(0); i < pages.FSEG_FRAG_ARR_N_SLOTS; i++ {
		if pages.InodeGetFragPage(inodeF.Data(), ioff, i) != common.FIL_NULL {
			used++
		}
	}
	used += pages.InodeGetNotFullNUsed(inodeF.Data(), ioff)
	used += pages.FlstGetLen(inodeF.Data(), ioff+pages.FSEG_FULL) * common.FSP_EXTENT_SIZE
	return used, nil
}
