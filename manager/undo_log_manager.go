package manager

import (
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/mvcc"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// undo记录类型
const (
	UNDO_INSERT = 11 // 回滚动作为删除
	UNDO_UPDATE = 12 // 回滚动作为写回旧值
	UNDO_DELETE = 13 // 删除标记，回滚动作为清标记
)

// UndoRecord 一条undo日志。
// 页面上保存序列化镜像供重启后回滚，内存里同时挂一份
// 供行版本读取与快速回滚。
type UndoRecord struct {
	TrxId    common.TrxIdT
	Type     uint8
	SpaceId  uint32
	Key      []byte
	OldValue []byte // UNDO_UPDATE/UNDO_DELETE时为旧行镜像
}

// undoLog 单个事务的undo链
type undoLog struct {
	trxId   common.TrxIdT
	trxNo   common.TrxIdT // 提交序号，purge按它排序
	records []*UndoRecord
	// 占用的undo页
	pageNos []uint32
}

// RollbackSegment 回滚段：undo页的分配来源与提交后的历史链表
type RollbackSegment struct {
	Id       uint32
	SpaceId  uint32
	SegAddr  common.FilAddr // inode位置
	HdrPage  uint32         // 段头页，承载历史链表基节点
}

// 段头页上历史链表基节点的位置
const rsegHistoryBaseOffset = common.FIL_PAGE_DATA

// UndoLogManager 管理事务undo日志与回滚段
type UndoLogManager struct {
	mu sync.RWMutex

	pool   *buffer_pool.BufferPool
	log    *redo.Log
	spaceMgr *SpaceManager
	segMgr *SegmentManager

	rsegs []*RollbackSegment

	// 活跃事务的undo链
	active map[common.TrxIdT]*undoLog
	// 已提交待purge的update undo，按trxNo升序
	history []*undoLog
	// 行的旧版本: key字符串 -> 新到旧的版本链
	versions map[string][]*UndoRecord
}

// NewUndoLogManager 创建undo管理器
func NewUndoLogManager(pool *buffer_pool.BufferPool, log *redo.Log, spaceMgr *SpaceManager, segMgr *SegmentManager) *UndoLogManager {
	return &UndoLogManager{
		pool:     pool,
		log:      log,
		spaceMgr: spaceMgr,
		segMgr:   segMgr,
		active:   make(map[common.TrxIdT]*undoLog),
		versions: make(map[string][]*UndoRecord),
	}
}

// CreateRollbackSegment 在系统表空间建一个回滚段
func (u *UndoLogManager) CreateRollbackSegment(sysSpaceId uint32) (*RollbackSegment, error) {
	m := mtr.Start(u.pool, u.log)
	segAddr, err := u.segMgr.CreateSegment(m, sysSpaceId)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hdrPageNo, err := u.segMgr.AllocPage(m, sysSpaceId, segAddr, 0, FSP_NO_DIR)
	if err != nil {
		return nil, errors.Trace(err)
	}
	hdrF, err := m.CreatePage(sysSpaceId, hdrPageNo, common.FILE_PAGE_TYPE_SYS)
	if err != nil {
		return nil, errors.Trace(err)
	}
	flstInitBase(m, hdrF, rsegHistoryBaseOffset)
	m.Commit()

	u.mu.Lock()
	rseg := &RollbackSegment{
		Id:      uint32(len(u.rsegs)),
		SpaceId: sysSpaceId,
		SegAddr: segAddr,
		HdrPage: hdrPageNo,
	}
	u.rsegs = append(u.rsegs, rseg)
	u.mu.Unlock()
	return rseg, nil
}

// rsegFor 事务散列到回滚段
func (u *UndoLogManager) rsegFor(trxId common.TrxIdT) *RollbackSegment {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if len(u.rsegs) == 0 {
		return nil
	}
	return u.rsegs[int(trxId)%len(u.rsegs)]
}

// Append 追加一条undo记录：先写undo页再挂内存链
func (u *UndoLogManager) Append(rec *UndoRecord) error {
	rseg := u.rsegFor(rec.TrxId)
	if rseg == nil {
		return errors.New("没有可用的回滚段")
	}

	u.mu.Lock()
	ul := u.active[rec.TrxId]
	if ul == nil {
		ul = &undoLog{trxId: rec.TrxId}
		u.active[rec.TrxId] = ul
	}
	u.mu.Unlock()

	// 序列化: type(1) space(4) keyLen(2) key oldLen(2) old
	img := []byte{rec.Type}
	img = util.WriteUB4(img, rec.SpaceId)
	img = util.WriteUB2(img, uint16(len(rec.Key)))
	img = append(img, rec.Key...)
	img = util.WriteUB2(img, uint16(len(rec.OldValue)))
	img = append(img, rec.OldValue...)

	m := mtr.Start(u.pool, u.log)
	if err := u.writeToUndoPage(m, rseg, ul, rec.TrxId, img); err != nil {
		m.Commit()
		return errors.Trace(err)
	}
	m.Commit()

	u.mu.Lock()
	ul.records = append(ul.records, rec)
	if rec.Type != UNDO_INSERT {
		u.versions[string(rec.Key)] = append([]*UndoRecord{rec}, u.versions[string(rec.Key)]...)
	}
	u.mu.Unlock()
	return nil
}

// writeToUndoPage 把undo镜像追加到事务的undo页，空间不够时再分配一页
func (u *UndoLogManager) writeToUndoPage(m *mtr.Mtr, rseg *RollbackSegment, ul *undoLog, trxId common.TrxIdT, img []byte) error {
	pageSize := u.pool.PageSize()
	need := uint32(len(img))

	var f *buffer_pool.Frame
	var err error
	if n := len(ul.pageNos); n > 0 {
		f, err = m.GetPage(rseg.SpaceId, ul.pageNos[n-1], buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
		free := uint32(pages.UndoPageGetFree(f.Data()))
		if free+need > pageSize-common.PAGE_FILE_TRAILER_SIZE {
			f = nil
		}
	}
	if f == nil {
		pageNo, err := u.segMgr.AllocPage(m, rseg.SpaceId, rseg.SegAddr, 0, FSP_NO_DIR)
		if err != nil {
			return err
		}
		f, err = m.CreatePage(rseg.SpaceId, pageNo, common.FILE_PAGE_UNDO_LOG)
		if err != nil {
			return err
		}
		undoType := uint16(pages.TRX_UNDO_UPDATE)
		m.Write2(f, pages.TRX_UNDO_PAGE_HDR+pages.TRX_UNDO_PAGE_TYPE, undoType)
		start := uint16(pages.TRX_UNDO_SEG_HDR + pages.TRX_UNDO_SEG_HDR_SIZE)
		m.Write2(f, pages.TRX_UNDO_PAGE_HDR+pages.TRX_UNDO_PAGE_START, start)
		m.Write2(f, pages.TRX_UNDO_PAGE_HDR+pages.TRX_UNDO_PAGE_FREE, start)
		m.Write2(f, pages.TRX_UNDO_SEG_HDR+pages.TRX_UNDO_STATE, pages.TRX_UNDO_ACTIVE)
		m.Write8(f, pages.TRX_UNDO_SEG_HDR+pages.TRX_UNDO_SEG_HDR_SIZE+pages.TRX_UNDO_TRX_ID, trxId)
		ul.pageNos = append(ul.pageNos, pageNo)
	}

	free := uint32(pages.UndoPageGetFree(f.Data()))
	m.WriteBytes(f, free, img)
	m.Write2(f, pages.TRX_UNDO_PAGE_HDR+pages.TRX_UNDO_PAGE_START, uint16(free))
	m.Write2(f, pages.TRX_UNDO_PAGE_HDR+pages.TRX_UNDO_PAGE_FREE, uint16(free+need))
	return nil
}

// Commit 事务提交：update undo挂到回滚段历史链表等purge，
// 纯insert undo直接释放
func (u *UndoLogManager) Commit(trxId common.TrxIdT, trxNo common.TrxIdT) error {
	u.mu.Lock()
	ul := u.active[trxId]
	delete(u.active, trxId)
	u.mu.Unlock()
	if ul == nil {
		return nil
	}
	ul.trxNo = trxNo

	hasUpdate := false
	for _, r := range ul.records {
		if r.Type != UNDO_INSERT {
			hasUpdate = true
			break
		}
	}
	if !hasUpdate {
		return u.freeUndoPages(ul)
	}

	rseg := u.rsegFor(trxId)
	if len(ul.pageNos) > 0 {
		m := mtr.Start(u.pool, u.log)
		f, err := m.GetPage(rseg.SpaceId, ul.pageNos[0], buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err == nil {
			m.Write2(f, pages.TRX_UNDO_SEG_HDR+pages.TRX_UNDO_STATE, pages.TRX_UNDO_TO_PURGE)
			m.Write8(f, pages.TRX_UNDO_SEG_HDR+pages.TRX_UNDO_SEG_HDR_SIZE+pages.TRX_UNDO_TRX_NO, trxNo)
		}
		m.Commit()
		if err != nil {
			return errors.Trace(err)
		}
	}

	u.mu.Lock()
	// history按trxNo升序，提交序号天然递增，直接追加
	u.history = append(u.history, ul)
	u.mu.Unlock()
	return nil
}

// RollbackApplier 回滚时由上层提供的逆操作执行器
type RollbackApplier interface {
	UndoInsert(spaceId uint32, key []byte) error
	UndoUpdate(spaceId uint32, key []byte, oldValue []byte) error
	UndoDelete(spaceId uint32, key []byte, oldValue []byte) error
}

// Rollback 逆序重放事务的undo链
func (u *UndoLogManager) Rollback(trxId common.TrxIdT, applier RollbackApplier) error {
	u.mu.Lock()
	ul := u.active[trxId]
	delete(u.active, trxId)
	u.mu.Unlock()
	if ul == nil {
		return nil
	}

	for i := len(ul.records) - 1; i >= 0; i-- {
		rec := ul.records[i]
		var err error
		switch rec.Type {
		case UNDO_INSERT:
			err = applier.UndoInsert(rec.SpaceId, rec.Key)
		case UNDO_UPDATE:
			err = applier.UndoUpdate(rec.SpaceId, rec.Key, rec.OldValue)
		case UNDO_DELETE:
			err = applier.UndoDelete(rec.SpaceId, rec.Key, rec.OldValue)
		}
		if err != nil {
			// undo应用失败意味着元数据已经不自洽
			logger.Fatalf("回滚事务%d时undo应用失败: %v", trxId, err)
		}
		u.dropVersion(rec)
	}
	return u.freeUndoPages(ul)
}

func (u *UndoLogManager) dropVersion(rec *UndoRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	chain := u.versions[string(rec.Key)]
	for i, r := range chain {
		if r == rec {
			u.versions[string(rec.Key)] = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(u.versions[string(rec.Key)]) == 0 {
		delete(u.versions, string(rec.Key))
	}
}

// freeUndoPages 把undo页归还回滚段
func (u *UndoLogManager) freeUndoPages(ul *undoLog) error {
	if len(ul.pageNos) == 0 {
		return nil
	}
	rseg := u.rsegFor(ul.trxId)
	m := mtr.Start(u.pool, u.log)
	for _, p := range ul.pageNos {
		if err := u.segMgr.FreePage(m, rseg.SpaceId, rseg.SegAddr, p); err != nil {
			m.Commit()
			return errors.Trace(err)
		}
	}
	m.Commit()
	ul.pageNos = nil
	return nil
}

// VisibleVersion 沿版本链找出视图可见的旧值。
// 返回(值, 是否找到, 该版本是否为删除)。
func (u *UndoLogManager) VisibleVersion(key []byte, view *mvcc.ReadView) ([]byte, bool, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, rec := range u.versions[string(key)] {
		// undo记录保存的是被rec.TrxId覆盖之前的镜像，
		// 覆盖者不可见时旧镜像才是候选
		if !view.IsVisible(rec.TrxId) {
			if rec.OldValue == nil {
				return nil, true, true
			}
			return rec.OldValue, true, false
		}
	}
	return nil, false, false
}

// PurgeTo 回收提交序号早于limit的update undo。
// 返回被purge的记录（上层据此做物理清除）。
func (u *UndoLogManager) PurgeTo(limit common.TrxIdT) []*UndoRecord {
	u.mu.Lock()
	var purged []*UndoRecord
	var rest []*undoLog
	var toFree []*undoLog
	for _, ul := range u.history {
		if ul.trxNo < limit {
			purged = append(purged, ul.records...)
			toFree = append(toFree, ul)
		} else {
			rest = append(rest, ul)
		}
	}
	u.history = rest
	u.mu.Unlock()

	for _, ul := range toFree {
		if err := u.freeUndoPages(ul); err != nil {
			logger.Errorf("purge释放undo页失败: %v", err)
		}
	}
	u.mu.Lock()
	for _, rec := range purged {
		chain := u.versions[string(rec.Key)]
		for i, r := range chain {
			if r == rec {
				chain = append(chain[:i], chain[i+1:]...)
				break
			}
		}
		if len(chain) == 0 {
			delete(u.versions, string(rec.Key))
		} else {
			u.versions[string(rec.Key)] = chain
		}
	}
	u.mu.Unlock()
	return purged
}

// HistoryLen 历史链表长度
func (u *UndoLogManager) HistoryLen() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.history)
}
