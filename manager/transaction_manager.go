package manager

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/mvcc"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 事务ID持久化的步长与重启上调余量：
// 崩溃后从盘上值加余量起步，保证不复用
const (
	TRX_ID_WRITE_MARGIN = 256
)

// 回滚段数量上限
const TRX_SYS_N_RSEGS = 256

// trx sys页上最大事务ID字段的位置
const trxSysMaxTrxIdOffset = common.FIL_PAGE_DATA

// TrxState 事务状态
type TrxState int

const (
	TRX_ACTIVE TrxState = iota
	TRX_COMMITTED
	TRX_ROLLED_BACK
)

// Trx 一个事务
type Trx struct {
	Id    common.TrxIdT
	State TrxState

	readView *mvcc.ReadView
}

// ReadView 当前读视图，没设置过返回nil
func (t *Trx) ReadView() *mvcc.ReadView {
	return t.readView
}

// TransactionManager 事务系统：trid分配与持久化、活跃事务表、
// 读视图管理与提交序号
type TransactionManager struct {
	mu sync.Mutex

	pool    *buffer_pool.BufferPool
	log     *redo.Log
	undoMgr *UndoLogManager

	sysSpaceId    uint32
	trxSysPageNo  uint32

	nextTrxId   uint64 // atomic
	lastStamped uint64

	active map[common.TrxIdT]*Trx
	// 打开中的读视图，purge水位要看它们
	openViews map[*mvcc.ReadView]struct{}

	// 提交序号
	nextTrxNo uint64
}

// NewTransactionManager 创建事务系统。
// trxSysPageNo为持久化最大事务ID的系统页。
func NewTransactionManager(pool *buffer_pool.BufferPool, log *redo.Log, undoMgr *UndoLogManager, sysSpaceId uint32, trxSysPageNo uint32) *TransactionManager {
	return &TransactionManager{
		pool:         pool,
		log:          log,
		undoMgr:      undoMgr,
		sysSpaceId:   sysSpaceId,
		trxSysPageNo: trxSysPageNo,
		nextTrxId:    1,
		nextTrxNo:    1,
		active:       make(map[common.TrxIdT]*Trx),
		openViews:    make(map[*mvcc.ReadView]struct{}),
	}
}

// InitTrxSysPage 初始化trx sys页
func (tm *TransactionManager) InitTrxSysPage() error {
	m := mtr.Start(tm.pool, tm.log)
	f, err := m.CreatePage(tm.sysSpaceId, tm.trxSysPageNo, common.FILE_PAGE_TYPE_TRX_SYS)
	if err != nil {
		return errors.Trace(err)
	}
	m.Write8(f, trxSysMaxTrxIdOffset, TRX_ID_WRITE_MARGIN)
	m.Commit()
	return nil
}

// RecoverTrxId 启动时从trx sys页恢复事务ID计数，
// 盘上值加余量向上取整，避免崩溃后复用
func (tm *TransactionManager) RecoverTrxId() error {
	m := mtr.Start(tm.pool, tm.log)
	f, err := m.GetPage(tm.sysSpaceId, tm.trxSysPageNo, buffer_pool.RW_S_LATCH, buffer_pool.BUF_GET)
	if err != nil {
		m.CommitNoModify()
		return errors.Trace(err)
	}
	stored := util.GetUB8(f.Data(), trxSysMaxTrxIdOffset)
	m.CommitNoModify()

	next := (stored/TRX_ID_WRITE_MARGIN+2)*TRX_ID_WRITE_MARGIN
	atomic.StoreUint64(&tm.nextTrxId, next)
	tm.lastStamped = next
	return nil
}

// allocTrxId 分配trid，每隔一个步长持久化一次水位
func (tm *TransactionManager) allocTrxId() common.TrxIdT {
	id := atomic.AddUint64(&tm.nextTrxId, 1) - 1
	if id >= atomic.LoadUint64(&tm.lastStamped) {
		tm.stampMaxTrxId(id + TRX_ID_WRITE_MARGIN)
	}
	return id
}

func (tm *TransactionManager) stampMaxTrxId(v uint64) {
	m := mtr.Start(tm.pool, tm.log)
	f, err := m.GetPage(tm.sysSpaceId, tm.trxSysPageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	if err == nil {
		m.Write8(f, trxSysMaxTrxIdOffset, v)
		atomic.StoreUint64(&tm.lastStamped, v)
	}
	m.Commit()
}

// Begin 开启事务
func (tm *TransactionManager) Begin() *Trx {
	trx := &Trx{Id: tm.allocTrxId(), State: TRX_ACTIVE}
	tm.mu.Lock()
	tm.active[trx.Id] = trx
	tm.mu.Unlock()
	return trx
}

// SetReadView 给事务拍一个一致性读快照
func (tm *TransactionManager) SetReadView(trx *Trx) *mvcc.ReadView {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	ids := make([]mvcc.TrxId, 0, len(tm.active))
	for id := range tm.active {
		if id == trx.Id {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	view := mvcc.NewReadView(ids, atomic.LoadUint64(&tm.nextTrxId), trx.Id)
	if trx.readView != nil {
		// 旧视图被替换后不再可达，随之关闭
		delete(tm.openViews, trx.readView)
	}
	trx.readView = view
	tm.openViews[view] = struct{}{}
	return view
}

// CloseReadView 视图用完要关掉，purge水位才能推进
func (tm *TransactionManager) CloseReadView(view *mvcc.ReadView) {
	tm.mu.Lock()
	delete(tm.openViews, view)
	tm.mu.Unlock()
}

// Commit 提交事务
func (tm *TransactionManager) Commit(trx *Trx) error {
	tm.mu.Lock()
	trxNo := tm.nextTrxNo
	tm.nextTrxNo++
	delete(tm.active, trx.Id)
	if trx.readView != nil {
		delete(tm.openViews, trx.readView)
		trx.readView = nil
	}
	tm.mu.Unlock()

	if err := tm.undoMgr.Commit(trx.Id, trxNo); err != nil {
		return errors.Trace(err)
	}
	trx.State = TRX_COMMITTED
	return nil
}

// Rollback 回滚事务
func (tm *TransactionManager) Rollback(trx *Trx, applier RollbackApplier) error {
	tm.mu.Lock()
	delete(tm.active, trx.Id)
	if trx.readView != nil {
		delete(tm.openViews, trx.readView)
		trx.readView = nil
	}
	tm.mu.Unlock()

	if err := tm.undoMgr.Rollback(trx.Id, applier); err != nil {
		return errors.Trace(err)
	}
	trx.State = TRX_ROLLED_BACK
	return nil
}

// PurgeLimit purge可以推进到的提交序号：
// 有视图打开时不能越过最老视图创建时的水位
func (tm *TransactionManager) PurgeLimit() common.TrxIdT {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.openViews) == 0 && len(tm.active) == 0 {
		return tm.nextTrxNo
	}
	// 保守起见，有活跃事务或视图时不purge
	return 0
}

// ActiveCount 活跃事务数
func (tm *TransactionManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.active)
}

// IsActive 事务是否仍活跃
func (tm *TransactionManager) IsActive(id common.TrxIdT) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.active[id]
	return ok
}

// MaxTrxId 下一个待分配的事务ID
func (tm *TransactionManager) MaxTrxId() common.TrxIdT {
	return atomic.LoadUint64(&tm.nextTrxId)
}
