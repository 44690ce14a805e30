// Package engine 组装各子系统并对上层暴露进程内API
package engine

import (
	"sync"
	"time"

	log4go "github.com/AlexStocks/log4go"
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/conf"
	"github.com/zhukovaskychina/xinnodb-engine/fileio"
	"github.com/zhukovaskychina/xinnodb-engine/latch"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/manager"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 系统表空间里预留的回滚段数
const nRollbackSegments = 4

// Engine 存储引擎。自底向上持有全部子系统，
// 初始化顺序由构造固定，没有全局单例。
type Engine struct {
	cfg *conf.StorageConfig

	fm   *fileio.FileManager
	aio  *fileio.AsyncIO
	pool *buffer_pool.BufferPool
	log  *redo.Log

	spaceMgr    *manager.SpaceManager
	segMgr      *manager.SegmentManager
	undoMgr     *manager.UndoLogManager
	trxMgr      *manager.TransactionManager
	purgeMgr    *manager.PurgeManager
	compressMgr *manager.CompressionManager

	sysSpaceId   uint32
	trxSysPageNo uint32

	mu     sync.RWMutex
	tables map[string]*Table
	// spaceId -> table，purge与回滚按space找表
	tablesBySpace map[uint32]*Table

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine 按依赖顺序构建引擎并拉起后台任务
func NewEngine(cfg *conf.StorageConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	latch.SpinRounds = cfg.SpinWaitRounds

	fm, err := fileio.NewFileManager(cfg.DataDir, cfg.PageSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	redoLog, err := redo.NewLog(&redo.LogConfig{
		LogDir:       cfg.LogDir,
		FileSize:     cfg.LogFileSize,
		FilesInGroup: cfg.LogFilesInGroup,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	compressMgr := manager.NewCompressionManager(cfg.PageSize)
	pool := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PoolSize:     cfg.BufferPoolSize,
		PageSize:     cfg.PageSize,
		OldBlocksPct: cfg.LruOldBlocksPct,
		SpaceIO:      fm,
		Redo:         redoLog,
		Transcoder:   compressMgr,
	})

	eng := &Engine{
		cfg:           cfg,
		fm:            fm,
		pool:          pool,
		log:           redoLog,
		compressMgr:   compressMgr,
		tables:        make(map[string]*Table),
		tablesBySpace: make(map[uint32]*Table),
		stopCh:        make(chan struct{}),
	}

	eng.spaceMgr = manager.NewSpaceManager(fm, pool, redoLog, cfg.PageSize)
	eng.segMgr = manager.NewSegmentManager(eng.spaceMgr)
	eng.undoMgr = manager.NewUndoLogManager(pool, redoLog, eng.spaceMgr, eng.segMgr)

	// 系统表空间：回滚段与事务系统页
	sysSpaceId, err := eng.spaceMgr.CreateSpace("ibdata1", 2*common.FSP_EXTENT_SIZE, 0)
	if err != nil {
		return nil, errors.Trace(err)
	}
	eng.sysSpaceId = sysSpaceId
	for i := 0; i < nRollbackSegments; i++ {
		if _, err := eng.undoMgr.CreateRollbackSegment(sysSpaceId); err != nil {
			return nil, errors.Trace(err)
		}
	}

	m := mtr.Start(pool, redoLog)
	trxSysPageNo, err := eng.spaceMgr.AllocFragPage(m, sysSpaceId)
	if err != nil {
		m.Commit()
		return nil, errors.Trace(err)
	}
	m.Commit()
	eng.trxSysPageNo = trxSysPageNo

	eng.trxMgr = manager.NewTransactionManager(pool, redoLog, eng.undoMgr, sysSpaceId, trxSysPageNo)
	if err := eng.trxMgr.InitTrxSysPage(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := eng.trxMgr.RecoverTrxId(); err != nil {
		return nil, errors.Trace(err)
	}

	eng.purgeMgr = manager.NewPurgeManager(eng.trxMgr, eng.undoMgr, eng, cfg.FlushInterval)
	eng.purgeMgr.Start()
	eng.startFlushDaemon()

	logger.Infof("存储引擎初始化完成: pool=%d帧 page=%dB", cfg.BufferPoolSize, cfg.PageSize)
	return eng, nil
}

// startFlushDaemon 后台刷脏与free余量维护
func (e *Engine) startFlushDaemon() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		log4go.Info("flush daemon started, interval=%v", e.cfg.FlushInterval)
		ticker := time.NewTicker(e.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				log4go.Info("flush daemon stopped")
				return
			case <-ticker.C:
				e.pool.FreeMargin()
				e.pool.FlushBatch(buffer_pool.BUF_FLUSH_LIST, 64, 0)
				// checkpoint age超限时推进checkpoint
				if e.log.CurrentLSN()-e.log.CheckpointLSN() > e.cfg.CheckpointAgeMax {
					if err := e.Checkpoint(); err != nil {
						log4go.Warn("后台checkpoint失败: %v", err)
					}
				}
			}
		}
	}()
}

// Checkpoint 采样全池最旧脏页LSN写checkpoint记录，
// 并把flushed LSN盖到每个数据文件的0号页
func (e *Engine) Checkpoint() error {
	oldest := e.pool.OldestModificationLSN()
	if err := e.log.Checkpoint(oldest); err != nil {
		return errors.Trace(err)
	}

	flushed := e.log.FlushedLSN()
	e.mu.RLock()
	spaceIds := make([]uint32, 0, len(e.tablesBySpace)+1)
	spaceIds = append(spaceIds, e.sysSpaceId)
	for id := range e.tablesBySpace {
		spaceIds = append(spaceIds, id)
	}
	e.mu.RUnlock()

	for _, spaceId := range spaceIds {
		content, err := e.fm.ReadPage(spaceId, 0)
		if err != nil {
			return errors.Trace(err)
		}
		// 压缩表空间的0号页在盘上是压缩帧，改写前先还原
		content, err = e.compressMgr.DecodePage(spaceId, content)
		if err != nil {
			return errors.Trace(err)
		}
		util.PutUB8(content, common.FIL_PAGE_FILE_FLUSH_LSN, flushed)
		pages.StampChecksum(content)
		out := e.compressMgr.EncodePage(spaceId, content)
		if err := e.fm.WritePage(spaceId, 0, out); err != nil {
			return errors.Trace(err)
		}
		if err := e.fm.FlushSpace(spaceId); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// SetTableCompression 给表的表空间启用页面压缩。
// 已经以原样落盘的页面读取侧按帧头自动识别，不需要重写。
func (e *Engine) SetTableCompression(h *Handle, method uint8, level uint8) {
	e.compressMgr.SetCompressionSettings(h.table.SpaceId, &manager.CompressionSettings{
		SpaceID: h.table.SpaceId,
		Method:  method,
		Level:   level,
	})
}

// FlushAll 刷出全部脏页
func (e *Engine) FlushAll() error {
	e.pool.FlushAll()
	return nil
}

// Validate 自检：缓冲池不变式加各表的页目录不变式
func (e *Engine) Validate() error {
	if err := e.pool.Validate(); err != nil {
		return errors.Trace(err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.tables {
		if err := t.validate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// TrxBegin 开启事务
func (e *Engine) TrxBegin() *manager.Trx {
	return e.trxMgr.Begin()
}

// TrxCommit 提交事务
func (e *Engine) TrxCommit(trx *manager.Trx) error {
	return e.trxMgr.Commit(trx)
}

// TrxRollback 回滚事务
func (e *Engine) TrxRollback(trx *manager.Trx) error {
	return e.trxMgr.Rollback(trx, e)
}

// SetReadView 给事务拍一致性读快照
func (e *Engine) SetReadView(trx *manager.Trx) {
	e.trxMgr.SetReadView(trx)
}

// Pool 暴露缓冲池供诊断
func (e *Engine) Pool() *buffer_pool.BufferPool { return e.pool }

// Log 暴露重做日志供诊断
func (e *Engine) Log() *redo.Log { return e.log }

// Close 停后台任务，刷净脏页，落checkpoint后关闭文件
func (e *Engine) Close() error {
	close(e.stopCh)
	e.wg.Wait()
	e.purgeMgr.Stop()

	e.pool.FlushAll()
	for !e.pool.NoPendingIO() {
		time.Sleep(time.Millisecond)
	}
	if err := e.Checkpoint(); err != nil {
		return errors.Trace(err)
	}
	if err := e.log.Close(); err != nil {
		return errors.Trace(err)
	}
	return e.fm.Close()
}
