package engine

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/manager"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/mvcc"
	"github.com/zhukovaskychina/xinnodb-engine/record"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

var (
	ErrKeyExists   = errors.New("duplicate key")
	ErrKeyNotFound = errors.New("key not found")
	ErrNoTrx       = errors.New("operation requires a transaction")
)

// 行值的物理格式: [8字节写入者trid][用户数据]
const rowTridSize = 8

// Table 一张表：独立表空间 + 聚簇B+树（叶子段与非叶子段各一）
type Table struct {
	eng  *Engine
	Name string

	SpaceId    uint32
	IndexId    uint64
	CreateTrid common.TrxIdT

	btree   *record.BTree
	leafSeg common.FilAddr
	topSeg  common.FilAddr

	refs int32
}

// Handle 表句柄，可克隆，各自持有扫描游标
type Handle struct {
	table  *Table
	cursor *record.TreeCursor
}

// OpenTable 打开（不存在则创建）一张表并返回句柄。
// maxPages限制表空间大小，0为不限。
func (e *Engine) OpenTable(name string, maxPages uint32) (*Handle, error) {
	e.mu.Lock()
	t, ok := e.tables[name]
	e.mu.Unlock()
	if !ok {
		var err error
		t, err = e.createTable(name, maxPages)
		if err != nil {
			return nil, err
		}
	}
	atomic.AddInt32(&t.refs, 1)
	return &Handle{table: t}, nil
}

// CloneHandle 克隆句柄
func (e *Engine) CloneHandle(h *Handle) *Handle {
	atomic.AddInt32(&h.table.refs, 1)
	return &Handle{table: h.table}
}

// CloseHandle 关闭句柄
func (e *Engine) CloseHandle(h *Handle) {
	atomic.AddInt32(&h.table.refs, -1)
	h.cursor = nil
}

func (e *Engine) createTable(name string, maxPages uint32) (*Table, error) {
	spaceId, err := e.spaceMgr.CreateSpace(name, common.FSP_EXTENT_SIZE, maxPages)
	if err != nil {
		return nil, errors.Trace(err)
	}

	m := mtr.Start(e.pool, e.log)
	leafSeg, err := e.segMgr.CreateSegment(m, spaceId)
	if err != nil {
		m.Commit()
		return nil, errors.Trace(err)
	}
	topSeg, err := e.segMgr.CreateSegment(m, spaceId)
	if err != nil {
		m.Commit()
		return nil, errors.Trace(err)
	}
	indexId := uint64(spaceId)<<32 | 1
	bt, err := record.CreateBTree(m, e.pool, e.log, e.segMgr, spaceId, indexId, leafSeg, topSeg)
	if err != nil {
		m.Commit()
		return nil, errors.Trace(err)
	}
	m.Commit()

	t := &Table{
		eng:        e,
		Name:       name,
		SpaceId:    spaceId,
		IndexId:    indexId,
		CreateTrid: e.trxMgr.MaxTrxId(),
		btree:      bt,
		leafSeg:    leafSeg,
		topSeg:     topSeg,
	}
	e.mu.Lock()
	e.tables[name] = t
	e.tablesBySpace[spaceId] = t
	e.mu.Unlock()
	logger.Infof("表%s就绪 space=%d root=%d", name, spaceId, bt.RootPageNo())
	return t, nil
}

func (e *Engine) tableBySpace(spaceId uint32) *Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tablesBySpace[spaceId]
}

func makeRowValue(trid common.TrxIdT, userValue []byte) []byte {
	out := util.ConvertUInt8Bytes(trid)
	return append(out, userValue...)
}

func rowTrid(raw []byte) common.TrxIdT {
	return util.GetUB8(raw, 0)
}

func rowUserValue(raw []byte) []byte {
	return raw[rowTridSize:]
}

// viewOf 事务当前视图，没有就现场拍一个
func (e *Engine) viewOf(trx *manager.Trx) *mvcc.ReadView {
	if v := trx.ReadView(); v != nil {
		return v
	}
	return e.trxMgr.SetReadView(trx)
}

// reserveSpace 修改前先确认表空间有余量，
// 失败的操作不允许留下任何已记日志的半成品
func (e *Engine) reserveSpace(t *Table) error {
	m := mtr.Start(e.pool, e.log)
	ok, err := e.spaceMgr.ReserveFreeExtents(m, t.SpaceId, 0, 0, manager.RESERVE_NORMAL)
	m.Commit()
	if err != nil {
		if errors.Cause(err) == manager.ErrOutOfSpace {
			return errors.Trace(manager.ErrOutOfSpace)
		}
		return errors.Trace(err)
	}
	if !ok {
		return errors.Trace(manager.ErrOutOfSpace)
	}
	return nil
}

// Insert 插入一行
func (e *Engine) Insert(h *Handle, trx *manager.Trx, key []byte, value []byte) error {
	if trx == nil {
		return errors.Trace(ErrNoTrx)
	}
	t := h.table
	if err := e.reserveSpace(t); err != nil {
		return err
	}
	raw, deleted, found, err := t.btree.SearchRaw(key)
	if err != nil {
		return errors.Trace(err)
	}
	if found && !deleted {
		return errors.Annotatef(ErrKeyExists, "key=%x", key)
	}

	newRaw := makeRowValue(trx.Id, value)
	m := mtr.Start(e.pool, e.log)
	if found {
		// 复用删除标记过的行位
		if err := e.undoMgr.Append(&manager.UndoRecord{
			TrxId: trx.Id, Type: manager.UNDO_UPDATE, SpaceId: t.SpaceId,
			Key: append([]byte(nil), key...), OldValue: raw,
		}); err != nil {
			m.Commit()
			return errors.Trace(err)
		}
		if err := t.btree.Update(m, key, newRaw); err != nil {
			m.Commit()
			return errors.Trace(err)
		}
		if err := t.btree.DeleteMark(m, key, false); err != nil {
			m.Commit()
			return errors.Trace(err)
		}
	} else {
		if err := e.undoMgr.Append(&manager.UndoRecord{
			TrxId: trx.Id, Type: manager.UNDO_INSERT, SpaceId: t.SpaceId,
			Key: append([]byte(nil), key...),
		}); err != nil {
			m.Commit()
			return errors.Trace(err)
		}
		if err := t.btree.Insert(m, key, newRaw); err != nil {
			m.Commit()
			return errors.Trace(err)
		}
	}
	m.Commit()
	return nil
}

// Update 更新一行
func (e *Engine) Update(h *Handle, trx *manager.Trx, key []byte, newValue []byte) error {
	if trx == nil {
		return errors.Trace(ErrNoTrx)
	}
	t := h.table
	raw, deleted, found, err := t.btree.SearchRaw(key)
	if err != nil {
		return errors.Trace(err)
	}
	if !found || deleted {
		return errors.Annotatef(ErrKeyNotFound, "key=%x", key)
	}

	if err := e.undoMgr.Append(&manager.UndoRecord{
		TrxId: trx.Id, Type: manager.UNDO_UPDATE, SpaceId: t.SpaceId,
		Key: append([]byte(nil), key...), OldValue: raw,
	}); err != nil {
		return errors.Trace(err)
	}
	m := mtr.Start(e.pool, e.log)
	err = t.btree.Update(m, key, makeRowValue(trx.Id, newValue))
	m.Commit()
	return errors.Trace(err)
}

// Delete 删除一行：打删除标记并盖上删除者trid，物理清除交给purge
func (e *Engine) Delete(h *Handle, trx *manager.Trx, key []byte) error {
	if trx == nil {
		return errors.Trace(ErrNoTrx)
	}
	t := h.table
	raw, deleted, found, err := t.btree.SearchRaw(key)
	if err != nil {
		return errors.Trace(err)
	}
	if !found || deleted {
		return errors.Annotatef(ErrKeyNotFound, "key=%x", key)
	}

	if err := e.undoMgr.Append(&manager.UndoRecord{
		TrxId: trx.Id, Type: manager.UNDO_DELETE, SpaceId: t.SpaceId,
		Key: append([]byte(nil), key...), OldValue: raw,
	}); err != nil {
		return errors.Trace(err)
	}
	m := mtr.Start(e.pool, e.log)
	if err := t.btree.Update(m, key, makeRowValue(trx.Id, rowUserValue(raw))); err != nil {
		m.Commit()
		return errors.Trace(err)
	}
	err = t.btree.DeleteMark(m, key, true)
	m.Commit()
	return errors.Trace(err)
}

// ReadKey 按键读一行，按事务视图做可见性判定
func (e *Engine) ReadKey(h *Handle, trx *manager.Trx, key []byte) ([]byte, bool, error) {
	if trx == nil {
		return nil, false, errors.Trace(ErrNoTrx)
	}
	t := h.table
	view := e.viewOf(trx)

	raw, deleted, found, err := t.btree.SearchRaw(key)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	if found && view.IsVisible(rowTrid(raw)) {
		if deleted {
			return nil, false, nil
		}
		return rowUserValue(raw), true, nil
	}
	// 最新版本不可见，沿undo版本链找
	old, ok, del := e.undoMgr.VisibleVersion(key, view)
	if ok && !del && old != nil {
		return rowUserValue(old), true, nil
	}
	return nil, false, nil
}

// ScanInit 初始化范围扫描，startKey为nil时从头扫
func (e *Engine) ScanInit(h *Handle, startKey []byte) {
	h.cursor = h.table.btree.NewCursor(startKey)
	h.cursor.IncludeDeleted = true
}

// ScanNext 取下一条对视图可见的行
func (e *Engine) ScanNext(h *Handle, trx *manager.Trx) ([]byte, []byte, bool, error) {
	if h.cursor == nil {
		return nil, nil, false, errors.New("scan not initialized")
	}
	view := e.viewOf(trx)
	for {
		key, raw, ok, err := h.cursor.Next()
		if err != nil || !ok {
			return nil, nil, false, errors.Trace(err)
		}
		if view.IsVisible(rowTrid(raw)) {
			if h.cursor.LastDeleted {
				continue
			}
			return key, rowUserValue(raw), true, nil
		}
		old, okv, del := e.undoMgr.VisibleVersion(key, view)
		if okv && !del && old != nil {
			return key, rowUserValue(old), true, nil
		}
	}
}

// ScanEnd 结束扫描
func (e *Engine) ScanEnd(h *Handle) {
	h.cursor = nil
}

// validate 走叶子链校验每页目录不变式
func (t *Table) validate() error {
	return t.btree.ValidatePages()
}

// UndoInsert 回滚插入：物理删除
func (e *Engine) UndoInsert(spaceId uint32, key []byte) error {
	t := e.tableBySpace(spaceId)
	if t == nil {
		return errors.Trace(ErrKeyNotFound)
	}
	m := mtr.Start(e.pool, e.log)
	err := t.btree.Delete(m, key)
	m.Commit()
	return errors.Trace(err)
}

// UndoUpdate 回滚更新：写回旧镜像
func (e *Engine) UndoUpdate(spaceId uint32, key []byte, oldValue []byte) error {
	t := e.tableBySpace(spaceId)
	if t == nil {
		return errors.Trace(ErrKeyNotFound)
	}
	m := mtr.Start(e.pool, e.log)
	if err := t.btree.Update(m, key, oldValue); err != nil {
		m.Commit()
		return errors.Trace(err)
	}
	err := t.btree.DeleteMark(m, key, false)
	m.Commit()
	return errors.Trace(err)
}

// UndoDelete 回滚删除：写回旧镜像并清删除标记
func (e *Engine) UndoDelete(spaceId uint32, key []byte, oldValue []byte) error {
	return e.UndoUpdate(spaceId, key, oldValue)
}

// PurgeRemove purge对不再被任何视图需要的删除标记行做物理清除
func (e *Engine) PurgeRemove(spaceId uint32, key []byte) error {
	t := e.tableBySpace(spaceId)
	if t == nil {
		return nil
	}
	_, deleted, found, err := t.btree.SearchRaw(key)
	if err != nil || !found || !deleted {
		return err
	}
	m := mtr.Start(e.pool, e.log)
	err = t.btree.Delete(m, key)
	m.Commit()
	return errors.Trace(err)
}

var _ manager.RollbackApplier = (*Engine)(nil)
var _ manager.PurgeApplier = (*Engine)(nil)
