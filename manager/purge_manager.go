package manager

import (
	"sync"
	"time"

	log "github.com/AlexStocks/log4go"
)

// PurgeApplier purge对行做物理清除时回调上层
type PurgeApplier interface {
	// PurgeRemove 物理移除一个已带删除标记且无人可见的行
	PurgeRemove(spaceId uint32, key []byte) error
}

// PurgeManager 后台回收：消费回滚段历史链表，
// 清掉不再被任何读视图需要的undo与删除标记行
type PurgeManager struct {
	trxMgr  *TransactionManager
	undoMgr *UndoLogManager
	applier PurgeApplier

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewPurgeManager 创建purge管理器
func NewPurgeManager(trxMgr *TransactionManager, undoMgr *UndoLogManager, applier PurgeApplier, interval time.Duration) *PurgeManager {
	if interval <= 0 {
		interval = time.Second
	}
	return &PurgeManager{
		trxMgr:   trxMgr,
		undoMgr:  undoMgr,
		applier:  applier,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动后台purge协程
func (pm *PurgeManager) Start() {
	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		log.Info("purge daemon started, interval=%v", pm.interval)
		ticker := time.NewTicker(pm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pm.stopCh:
				log.Info("purge daemon stopped")
				return
			case <-ticker.C:
				pm.RunOnce()
			}
		}
	}()
}

// RunOnce 执行一轮purge，返回清理的undo记录数
func (pm *PurgeManager) RunOnce() int {
	limit := pm.trxMgr.PurgeLimit()
	if limit == 0 {
		return 0
	}
	purged := pm.undoMgr.PurgeTo(limit)
	for _, rec := range purged {
		if rec.Type == UNDO_DELETE && pm.applier != nil {
			if err := pm.applier.PurgeRemove(rec.SpaceId, rec.Key); err != nil {
				log.Warn("purge物理清除失败 key=%x: %v", rec.Key, err)
			}
		}
	}
	if len(purged) > 0 {
		log.Debug("purge回收了%d条undo记录", len(purged))
	}
	return len(purged)
}

// Stop 停止后台协程
func (pm *PurgeManager) Stop() {
	close(pm.stopCh)
	pm.wg.Wait()
}
