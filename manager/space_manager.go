package manager

import (
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/fileio"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 新建表空间里固定占用的页面
const (
	PAGE_NO_FSP_HDR     = 0
	PAGE_NO_IBUF_BITMAP = 1
	PAGE_NO_FIRST_INODE = 2

	fspReservedPages = 3
)

// Tablespace 表空间元信息
type Tablespace struct {
	SpaceID  uint32
	Name     string
	PageSize uint32
	// 0表示不限制
	MaxPages uint32
}

// SpaceManager 管理表空间与其0号页上的FSP元数据。
// 区的分配与回收都在调用方的mtr里完成，保证元数据修改可重做。
type SpaceManager struct {
	mu sync.RWMutex

	fm       *fileio.FileManager
	pool     *buffer_pool.BufferPool
	log      *redo.Log
	pageSize uint32

	spaces      map[uint32]*Tablespace
	nextSpaceId uint32
}

// NewSpaceManager 创建空间管理器
func NewSpaceManager(fm *fileio.FileManager, pool *buffer_pool.BufferPool, log *redo.Log, pageSize uint32) *SpaceManager {
	return &SpaceManager{
		fm:          fm,
		pool:        pool,
		log:         log,
		pageSize:    pageSize,
		spaces:      make(map[uint32]*Tablespace),
		nextSpaceId: 1,
	}
}

// CreateSpace 创建表空间：注册数据文件并初始化0号页元数据
func (sm *SpaceManager) CreateSpace(name string, initPages uint32, maxPages uint32) (uint32, error) {
	sm.mu.Lock()
	spaceId := sm.nextSpaceId
	sm.nextSpaceId++
	sm.mu.Unlock()

	if initPages < fspReservedPages {
		initPages = common.FSP_EXTENT_SIZE
	}
	if err := sm.fm.RegisterSpace(spaceId, name, initPages); err != nil {
		return 0, errors.Trace(err)
	}

	m := mtr.Start(sm.pool, sm.log)
	hdr, err := m.CreatePage(spaceId, PAGE_NO_FSP_HDR, common.FILE_PAGE_TYPE_FSP_HDR)
	if err != nil {
		return 0, errors.Trace(err)
	}
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_SPACE_ID), spaceId)
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_SIZE), initPages)
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_FREE_LIMIT), 0)
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_FRAG_N_USED), 0)
	flstInitBase(m, hdr, pages.FSPHeaderField(pages.FSP_FREE))
	flstInitBase(m, hdr, pages.FSPHeaderField(pages.FSP_FREE_FRAG))
	flstInitBase(m, hdr, pages.FSPHeaderField(pages.FSP_FULL_FRAG))
	m.Write8(hdr, pages.FSPHeaderField(pages.FSP_SEG_ID), 1)
	flstInitBase(m, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FULL))
	flstInitBase(m, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FREE))

	// ibuf位图页占位与首个inode页
	bitmap, err := m.CreatePage(spaceId, PAGE_NO_IBUF_BITMAP, common.FILE_PAGE_IBUF_BITMAP)
	if err != nil {
		return 0, errors.Trace(err)
	}
	m.LogBitmapNewPage(bitmap, 0, initPages-1)
	inodeF, err := m.CreatePage(spaceId, PAGE_NO_FIRST_INODE, common.FILE_PAGE_INODE)
	if err != nil {
		return 0, errors.Trace(err)
	}
	writeFilAddrLogged(m, inodeF, pages.FSEG_INODE_PAGE_NODE+pages.FLST_PREV, common.FilAddrNull())
	writeFilAddrLogged(m, inodeF, pages.FSEG_INODE_PAGE_NODE+pages.FLST_NEXT, common.FilAddrNull())
	if err := sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_SEG_INODES_FREE), inodeF, pages.FSEG_INODE_PAGE_NODE); err != nil {
		return 0, errors.Trace(err)
	}

	if err := sm.fillFreeList(m, spaceId, hdr, 0, initPages); err != nil {
		return 0, errors.Trace(err)
	}
	m.Commit()

	sm.mu.Lock()
	sm.spaces[spaceId] = &Tablespace{
		SpaceID:  spaceId,
		Name:     name,
		PageSize: sm.pageSize,
		MaxPages: maxPages,
	}
	sm.mu.Unlock()
	logger.Infof("表空间%s(id=%d)创建完成, 初始%d页", name, spaceId, initPages)
	return spaceId, nil
}

// GetSpace 查询表空间元信息
func (sm *SpaceManager) GetSpace(spaceId uint32) (*Tablespace, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ts, ok := sm.spaces[spaceId]
	if !ok {
		return nil, errors.Trace(ErrSpaceNotFound)
	}
	return ts, nil
}

// fillFreeList 把[oldSize,newSize)里的extent描述符初始化并挂到相应链表。
// 0号extent里的保留页面标记为已用并计入FREE_FRAG。
func (sm *SpaceManager) fillFreeList(m *mtr.Mtr, spaceId uint32, hdr *buffer_pool.Frame, oldSize uint32, newSize uint32) error {
	for ext := oldSize / common.FSP_EXTENT_SIZE * common.FSP_EXTENT_SIZE; ext+common.FSP_EXTENT_SIZE <= newSize; ext += common.FSP_EXTENT_SIZE {
		if ext < oldSize {
			continue
		}
		descF, entryOff, err := sm.xdesGet(m, spaceId, ext, true)
		if err != nil {
			return err
		}
		if ext == 0 {
			// 保留页置位
			for p := 0; p < fspReservedPages; p++ {
				sm.xdesSetBit(m, descF, entryOff, p, true)
			}
			m.Write8(descF, entryOff+pages.XDES_ID, 0)
			m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FREE_FRAG))
			if err := sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE_FRAG), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
				return err
			}
			m.Write4(hdr, pages.FSPHeaderField(pages.FSP_FRAG_N_USED), fspReservedPages)
		} else {
			m.Write8(descF, entryOff+pages.XDES_ID, 0)
			m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FREE))
			if err := sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
				return err
			}
		}
	}
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_FREE_LIMIT), newSize/common.FSP_EXTENT_SIZE*common.FSP_EXTENT_SIZE)
	return nil
}

// xdesGet 取页面所属extent的描述符。create为真时允许建立新的描述符页。
func (sm *SpaceManager) xdesGet(m *mtr.Mtr, spaceId uint32, pageNo uint32, create bool) (*buffer_pool.Frame, uint32, error) {
	descPageNo := pages.XdesCalcDescriptorPage(sm.pageSize, pageNo)
	var descF *buffer_pool.Frame
	var err error
	if descPageNo == 0 {
		descF, err = m.GetPage(spaceId, 0, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	} else {
		descF, err = m.GetPage(spaceId, descPageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err == nil && pages.GetPageType(descF.Data()) != common.FILE_PAGE_TYPE_XDES {
			if !create {
				return nil, 0, errors.Trace(ErrCorrupted)
			}
			// 新的描述符页：文件预扩展出来的零页，补上页头
			m.Write4(descF, common.FIL_PAGE_OFFSET, descPageNo)
			m.Write4(descF, common.FIL_PAGE_PREV, common.FIL_NULL)
			m.Write4(descF, common.FIL_PAGE_NEXT, common.FIL_NULL)
			m.Write2(descF, common.FIL_PAGE_TYPE, common.FILE_PAGE_TYPE_XDES)
			m.Write4(descF, common.FIL_PAGE_ARCH_LOG_NO, spaceId)
		}
	}
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	return descF, pages.XdesEntryOffset(sm.pageSize, pageNo), nil
}

// xdesSetBit 记日志地改写位图中一页的占用位
func (sm *SpaceManager) xdesSetBit(m *mtr.Mtr, descF *buffer_pool.Frame, entryOff uint32, idx int, used bool) {
	byteOff := entryOff + pages.XDES_BITMAP + uint32(idx/4)
	b := descF.Data()[byteOff]
	mask := byte(0x80 >> uint((idx%4)*2))
	if used {
		b |= mask
	} else {
		b &^= mask
	}
	m.Write1(descF, byteOff, b)
}

// headerFrame 取0号页
func (sm *SpaceManager) headerFrame(m *mtr.Mtr, spaceId uint32) (*buffer_pool.Frame, error) {
	return m.GetPage(spaceId, PAGE_NO_FSP_HDR, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
}

// AllocFragPage 从碎片区分配单个页面
func (sm *SpaceManager) AllocFragPage(m *mtr.Mtr, spaceId uint32) (uint32, error) {
	hdr, err := sm.headerFrame(m, spaceId)
	if err != nil {
		return 0, errors.Trace(err)
	}

	first := pages.FlstGetFirst(hdr.Data(), pages.FSPHeaderField(pages.FSP_FREE_FRAG))
	var descF *buffer_pool.Frame
	var entryOff uint32
	if first.IsNull() {
		// 碎片区用光了，从空闲区链表拉一个过来
		descF, entryOff, err = sm.takeFreeExtent(m, spaceId, hdr)
		if err != nil {
			return 0, errors.Trace(err)
		}
		m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FREE_FRAG))
		if err := sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE_FRAG), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return 0, errors.Trace(err)
		}
	} else {
		descF, err = m.GetPage(spaceId, first.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return 0, errors.Trace(err)
		}
		entryOff = uint32(first.Boffset) - pages.XDES_FLST_NODE
	}

	idx := pages.XdesFindFreePage(descF.Data(), entryOff, 0)
	if idx < 0 {
		return 0, errors.Trace(ErrCorrupted)
	}
	sm.xdesSetBit(m, descF, entryOff, idx, true)
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_FRAG_N_USED), pages.GetFSPFragNUsed(hdr.Data())+1)

	if pages.XdesIsFull(descF.Data(), entryOff) {
		if err := sm.flstRemove(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE_FRAG), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return 0, errors.Trace(err)
		}
		m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FULL_FRAG))
		if err := sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FULL_FRAG), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return 0, errors.Trace(err)
		}
	}

	extentFirst := sm.extentFirstPage(descF, entryOff)
	return extentFirst + uint32(idx), nil
}

// extentFirstPage 描述符对应extent的首页号
func (sm *SpaceManager) extentFirstPage(descF *buffer_pool.Frame, entryOff uint32) uint32 {
	extentIdx := (entryOff - pages.XDES_ARR_OFFSET) / pages.XDES_SIZE
	return descF.PageNo() + extentIdx*common.FSP_EXTENT_SIZE
}

// FreeFragPage 归还碎片页
func (sm *SpaceManager) FreeFragPage(m *mtr.Mtr, spaceId uint32, pageNo uint32) error {
	hdr, err := sm.headerFrame(m, spaceId)
	if err != nil {
		return errors.Trace(err)
	}
	descF, entryOff, err := sm.xdesGet(m, spaceId, pageNo, false)
	if err != nil {
		return errors.Trace(err)
	}

	wasFull := pages.XdesGetState(descF.Data(), entryOff) == pages.XDES_FULL_FRAG
	idx := int(pageNo % common.FSP_EXTENT_SIZE)
	sm.xdesSetBit(m, descF, entryOff, idx, false)
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_FRAG_N_USED), pages.GetFSPFragNUsed(hdr.Data())-1)

	if wasFull {
		if err := sm.flstRemove(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FULL_FRAG), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return errors.Trace(err)
		}
		m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FREE_FRAG))
		if err := sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE_FRAG), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return errors.Trace(err)
		}
	}

	if pages.XdesNUsed(descF.Data(), entryOff) == 0 {
		if err := sm.flstRemove(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE_FRAG), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return errors.Trace(err)
		}
		m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FREE))
		if err := sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// takeFreeExtent 从FSP_FREE链表摘下头一个extent，
// 空了就尝试扩展表空间
func (sm *SpaceManager) takeFreeExtent(m *mtr.Mtr, spaceId uint32, hdr *buffer_pool.Frame) (*buffer_pool.Frame, uint32, error) {
	first := pages.FlstGetFirst(hdr.Data(), pages.FSPHeaderField(pages.FSP_FREE))
	if first.IsNull() {
		if _, err := sm.ExtendSpace(m, spaceId, hdr, common.FSP_EXTENT_SIZE); err != nil {
			return nil, 0, err
		}
		first = pages.FlstGetFirst(hdr.Data(), pages.FSPHeaderField(pages.FSP_FREE))
		if first.IsNull() {
			return nil, 0, errors.Trace(ErrOutOfSpace)
		}
	}
	descF, err := m.GetPage(spaceId, first.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	entryOff := uint32(first.Boffset) - pages.XDES_FLST_NODE
	if err := sm.flstRemove(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE), descF, entryOff+pages.XDES_FLST_NODE); err != nil {
		return nil, 0, errors.Trace(err)
	}
	return descF, entryOff, nil
}

// AllocExtentForSeg 给段分配一个完整extent
func (sm *SpaceManager) AllocExtentForSeg(m *mtr.Mtr, spaceId uint32, segId uint64) (*buffer_pool.Frame, uint32, error) {
	hdr, err := sm.headerFrame(m, spaceId)
	if err != nil {
		return nil, 0, errors.Trace(err)
	}
	descF, entryOff, err := sm.takeFreeExtent(m, spaceId, hdr)
	if err != nil {
		return nil, 0, err
	}
	m.Write8(descF, entryOff+pages.XDES_ID, segId)
	m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FSEG))
	return descF, entryOff, nil
}

// FreeExtent 把extent整区归还表空间
func (sm *SpaceManager) FreeExtent(m *mtr.Mtr, spaceId uint32, descF *buffer_pool.Frame, entryOff uint32) error {
	hdr, err := sm.headerFrame(m, spaceId)
	if err != nil {
		return errors.Trace(err)
	}
	m.Write8(descF, entryOff+pages.XDES_ID, 0)
	m.Write4(descF, entryOff+pages.XDES_STATE, uint32(pages.XDES_FREE))
	// 位图清零
	zero := make([]byte, 16)
	m.WriteBytes(descF, entryOff+pages.XDES_BITMAP, zero)
	return sm.flstAddLast(m, spaceId, hdr, pages.FSPHeaderField(pages.FSP_FREE), descF, entryOff+pages.XDES_FLST_NODE)
}

// ReserveFreeExtents 检查并预留空闲extent。
// 普通分配要求留有安全余量，undo与清理操作在更紧的水位下仍放行，
// 这样空间耗尽时腾空间的动作可以继续推进。
func (sm *SpaceManager) ReserveFreeExtents(m *mtr.Mtr, spaceId uint32, nNow uint32, nToReserve uint32, kind ReserveKind) (bool, error) {
	hdr, err := sm.headerFrame(m, spaceId)
	if err != nil {
		return false, errors.Trace(err)
	}
	freeExtents := pages.FlstGetLen(hdr.Data(), pages.FSPHeaderField(pages.FSP_FREE))
	// 碎片区还有空位时也算一份余量
	avail := freeExtents
	if pages.FlstGetLen(hdr.Data(), pages.FSPHeaderField(pages.FSP_FREE_FRAG)) > 0 {
		avail++
	}

	var need uint32
	switch kind {
	case RESERVE_NORMAL:
		need = nNow + nToReserve + 1
	case RESERVE_UNDO:
		need = nNow + nToReserve
	case RESERVE_CLEANING:
		need = nNow
	}
	if avail >= need {
		return true, nil
	}
	grow := (need - avail) * common.FSP_EXTENT_SIZE
	got, err := sm.ExtendSpace(m, spaceId, hdr, grow)
	if err != nil {
		if errors.Cause(err) == ErrOutOfSpace {
			return false, nil
		}
		return false, err
	}
	return got > 0 && pages.FlstGetLen(hdr.Data(), pages.FSPHeaderField(pages.FSP_FREE)) >= need-(avail-freeExtents), nil
}

// ExtendSpace 扩展表空间并把新extent挂入空闲链表。
// 超过上限返回ErrOutOfSpace。
func (sm *SpaceManager) ExtendSpace(m *mtr.Mtr, spaceId uint32, hdr *buffer_pool.Frame, desired uint32) (uint32, error) {
	ts, err := sm.GetSpace(spaceId)
	if err != nil {
		return 0, err
	}
	oldSize := pages.GetFSPSize(hdr.Data())
	if ts.MaxPages > 0 {
		if oldSize >= ts.MaxPages {
			return 0, errors.Trace(ErrOutOfSpace)
		}
		if oldSize+desired > ts.MaxPages {
			desired = ts.MaxPages - oldSize
		}
	}
	if desired == 0 {
		return 0, errors.Trace(ErrOutOfSpace)
	}
	actual, err := sm.fm.Extend(spaceId, desired)
	if err != nil {
		return 0, errors.Trace(err)
	}
	newSize := oldSize + actual
	m.Write4(hdr, pages.FSPHeaderField(pages.FSP_SIZE), newSize)
	if err := sm.fillFreeList(m, spaceId, hdr, oldSize, newSize); err != nil {
		return 0, err
	}
	return actual, nil
}

// NextSegId 读取并推进0号页上的段ID计数
func (sm *SpaceManager) NextSegId(m *mtr.Mtr, spaceId uint32) (uint64, error) {
	hdr, err := sm.headerFrame(m, spaceId)
	if err != nil {
		return 0, errors.Trace(err)
	}
	id := util.GetUB8(hdr.Data(), pages.FSPHeaderField(pages.FSP_SEG_ID))
	m.Write8(hdr, pages.FSPHeaderField(pages.FSP_SEG_ID), id+1)
	return id, nil
}
