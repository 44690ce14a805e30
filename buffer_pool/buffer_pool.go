package buffer_pool

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/basic"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/fileio"
	"github.com/zhukovaskychina/xinnodb-engine/latch"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
)

var (
	ErrPoolExhausted = errors.New("buffer pool exhausted, no replaceable frame")
	ErrReadFailed    = errors.New("page read failed")
)

// BufferPoolConfig 缓冲池配置
type BufferPoolConfig struct {
	PoolSize uint32 // 帧数
	PageSize uint32

	// old区占LRU的百分比，默认37.5
	OldBlocksPct float64

	SpaceIO basic.SpaceIO
	Redo    basic.RedoWriter
	// 可选的异步I/O层，nil时同步读写
	Aio *fileio.AsyncIO
	// 可选的页面转码器（透明压缩），写盘前Encode读盘后Decode
	Transcoder basic.PageTranscoder
}

// BufferPool InnoDB风格的缓冲池：
// 固定帧数组 + 页面哈希 + 带midpoint的LRU + 脏页链表。
// free/LRU/flush/哈希以及控制块字段都由池互斥量保护，
// 页面内容由每帧的读写latch保护。
type BufferPool struct {
	mu *latch.Mutex

	pageSize uint32
	frames   []*Frame
	hash     *PageHash

	free      FrameList
	lru       FrameList
	flushList FrameList

	// LRU midpoint
	lruOld int32
	oldLen uint32
	oldPct float64

	// LRU启发计数
	ulintClock     uint64
	freedPageClock uint64

	spaceIO    basic.SpaceIO
	redo       basic.RedoWriter
	aio        *fileio.AsyncIO
	transcoder basic.PageTranscoder

	nPendingReads  int32
	nPendingWrites [BUF_FLUSH_N_TYPES]int32
	flushRunning   [BUF_FLUSH_N_TYPES]bool

	hitCount  uint64
	missCount uint64
}

// NewBufferPool 创建并初始化缓冲池，全部帧挂到free链表
func NewBufferPool(cfg *BufferPoolConfig) *BufferPool {
	if cfg.OldBlocksPct <= 0 {
		cfg.OldBlocksPct = 37.5
	}
	bp := &BufferPool{
		mu:        latch.NewMutex(latch.SYNC_BUF_POOL),
		pageSize:  cfg.PageSize,
		frames:    make([]*Frame, cfg.PoolSize),
		hash:      newPageHash(cfg.PoolSize),
		free:      newFrameList(LIST_FREE),
		lru:       newFrameList(LIST_LRU),
		flushList: newFrameList(LIST_FLUSH),
		lruOld:    nilFrame,
		oldPct:    cfg.OldBlocksPct,
		spaceIO:    cfg.SpaceIO,
		redo:       cfg.Redo,
		aio:        cfg.Aio,
		transcoder: cfg.Transcoder,
	}
	arena := make([]byte, uint64(cfg.PoolSize)*uint64(cfg.PageSize))
	for i := uint32(0); i < cfg.PoolSize; i++ {
		f := &Frame{
			idx:      int32(i),
			data:     arena[uint64(i)*uint64(cfg.PageSize) : uint64(i+1)*uint64(cfg.PageSize)],
			state:    BUF_BLOCK_NOT_USED,
			hashNext: nilFrame,
			Lock:     latch.NewRWLatch(latch.SYNC_BUF_BLOCK),
		}
		for k := 0; k < LIST_N; k++ {
			f.links[k] = listLinks{prev: nilFrame, next: nilFrame}
		}
		bp.frames[i] = f
		bp.free.AddLast(bp.frames, f)
	}
	return bp
}

// PageSize 页面大小
func (bp *BufferPool) PageSize() uint32 { return bp.pageSize }

// SetRedo 注入重做日志写入面（初始化顺序需要时使用）
func (bp *BufferPool) SetRedo(redo basic.RedoWriter) { bp.redo = redo }

// GetPage 获取页面。
// mode为BUF_GET时未命中触发磁盘读取；BUF_GET_IF_IN_POOL未命中返回nil；
// BUF_GET_NO_WAIT在latch或固定需要阻塞时返回nil。
// 返回的帧已按latchMode加latch并bufferfix，调用方通过Release归还。
func (bp *BufferPool) GetPage(spaceId uint32, pageNo uint32, latchMode LatchMode, mode GetMode) (*Frame, error) {
	bp.mu.Enter()
	bp.ulintClock++

	idx := bp.hash.Search(bp.frames, spaceId, pageNo)
	if idx == nilFrame {
		atomic.AddUint64(&bp.missCount, 1)
		if mode == BUF_GET_IF_IN_POOL || mode == BUF_GET_NO_WAIT {
			bp.mu.Exit()
			return nil, nil
		}
		return bp.readPageIn(spaceId, pageNo, latchMode)
	}

	f := bp.frames[idx]
	atomic.AddUint64(&bp.hitCount, 1)

	if mode == BUF_GET_NO_WAIT {
		// 读取中的页面需要等待，直接放弃
		if f.ioFix == BUF_IO_READ {
			bp.mu.Exit()
			return nil, nil
		}
		bp.fixFrame(f)
		bp.mu.Exit()
		if !bp.tryLatch(f, latchMode) {
			bp.unfixOnly(f)
			return nil, nil
		}
		return f, nil
	}

	readInProgress := f.ioFix == BUF_IO_READ
	bp.fixFrame(f)
	bp.mu.Exit()

	if readInProgress {
		// 等读取完成：读取期间持有X latch，拿到S即表示完成
		f.Lock.SLock()
		f.Lock.SUnlock()
	}
	bp.latchFrame(f, latchMode)
	return f, nil
}

// fixFrame 固定帧；固定的帧移出LRU。调用方持有池互斥量。
func (bp *BufferPool) fixFrame(f *Frame) {
	if atomic.AddInt32(&f.bufFixCount, 1) == 1 && f.isInList(LIST_LRU) {
		bp.lruRemove(f)
	}
	// old区页面活跃到一定程度后晋升到young
	if f.old && f.accessed && bp.ulintClock-f.lruPosition >= BUF_LRU_OLD_ACCESS_THRESHOLD {
		f.old = false
	}
	f.accessed = true
}

func (bp *BufferPool) unfixOnly(f *Frame) {
	bp.mu.Enter()
	if atomic.AddInt32(&f.bufFixCount, -1) == 0 && f.state == BUF_BLOCK_FILE_PAGE {
		bp.lruInsert(f, f.old)
	}
	bp.mu.Exit()
}

func (bp *BufferPool) latchFrame(f *Frame, latchMode LatchMode) {
	switch latchMode {
	case RW_S_LATCH:
		f.Lock.SLock()
	case RW_X_LATCH:
		f.Lock.XLock()
	}
}

func (bp *BufferPool) tryLatch(f *Frame, latchMode LatchMode) bool {
	switch latchMode {
	case RW_S_LATCH:
		return f.Lock.TrySLock()
	case RW_X_LATCH:
		return f.Lock.TryXLock()
	}
	return true
}

// readPageIn 未命中路径。进入时持有池互斥量，返回时已释放。
func (bp *BufferPool) readPageIn(spaceId uint32, pageNo uint32, latchMode LatchMode) (*Frame, error) {
	f, err := bp.allocFreeFrame()
	if err != nil {
		bp.mu.Exit()
		return nil, err
	}
	f.state = BUF_BLOCK_FILE_PAGE
	f.spaceId = spaceId
	f.pageNo = pageNo
	f.oldestModification = 0
	f.newestModification = 0
	f.accessed = false
	f.old = true
	f.lruPosition = bp.ulintClock
	bp.hash.Insert(bp.frames, f)

	f.ioFix = BUF_IO_READ
	atomic.StoreInt32(&f.bufFixCount, 1)
	atomic.AddInt32(&bp.nPendingReads, 1)
	// 读取期间持有X latch，完成线程负责释放
	f.Lock.XLockPass()
	bp.mu.Exit()

	var content []byte
	if bp.aio != nil {
		buf := make([]byte, bp.pageSize)
		req := &fileio.Request{
			Kind:   fileio.IO_READ,
			File:   fileio.FILE_DATA,
			PageId: common.PageId{SpaceId: spaceId, PageNo: pageNo},
			Buf:    buf,
		}
		bp.aio.Submit(req, false, fileio.MODE_NORMAL)
		err = req.Wait()
		content = buf
	} else {
		content, err = bp.spaceIO.ReadPage(spaceId, pageNo)
	}
	if err == nil && bp.transcoder != nil {
		// 压缩表空间的页面以压缩帧落盘，读入时还原
		content, err = bp.transcoder.DecodePage(spaceId, content)
	}

	if err != nil {
		logger.Errorf("读取页面失败(space=%d,page=%d): %v", spaceId, pageNo, err)
		bp.mu.Enter()
		f.ioFix = BUF_IO_NONE
		atomic.AddInt32(&bp.nPendingReads, -1)
		atomic.StoreInt32(&f.bufFixCount, 0)
		bp.hash.Delete(bp.frames, f)
		f.state = BUF_BLOCK_NOT_USED
		bp.free.AddLast(bp.frames, f)
		bp.mu.Exit()
		f.Lock.XUnlock()
		return nil, errors.Annotatef(ErrReadFailed, "space=%d page=%d: %v", spaceId, pageNo, err)
	}

	copy(f.data, content)
	bp.ioCompleteRead(f)
	bp.latchFrame(f, latchMode)
	return f, nil
}

// ioCompleteRead 读完成：清io状态并释放读取期间的X latch
func (bp *BufferPool) ioCompleteRead(f *Frame) {
	bp.mu.Enter()
	f.ioFix = BUF_IO_NONE
	atomic.AddInt32(&bp.nPendingReads, -1)
	bp.mu.Exit()
	f.Lock.XUnlock()
}

// CreatePage 在缓冲池中新建一个页面帧而不读盘，内容清零，
// 返回的帧已bufferfix并加X latch，初始化重做日志由调用方的mtr负责
func (bp *BufferPool) CreatePage(spaceId uint32, pageNo uint32) (*Frame, error) {
	bp.mu.Enter()
	bp.ulintClock++

	if idx := bp.hash.Search(bp.frames, spaceId, pageNo); idx != nilFrame {
		// 页面被释放后重新分配：复用现有帧并清零
		f := bp.frames[idx]
		bp.fixFrame(f)
		bp.mu.Exit()
		f.Lock.XLock()
		for i := range f.data {
			f.data[i] = 0
		}
		f.BumpModifyClock()
		return f, nil
	}
	f, err := bp.allocFreeFrame()
	if err != nil {
		bp.mu.Exit()
		return nil, err
	}
	f.state = BUF_BLOCK_FILE_PAGE
	f.spaceId = spaceId
	f.pageNo = pageNo
	f.oldestModification = 0
	f.newestModification = 0
	f.accessed = true
	f.old = false
	f.lruPosition = bp.ulintClock
	for i := range f.data {
		f.data[i] = 0
	}
	bp.hash.Insert(bp.frames, f)
	atomic.StoreInt32(&f.bufFixCount, 1)
	bp.mu.Exit()

	f.Lock.XLock()
	f.BumpModifyClock()
	return f, nil
}

// Release 释放latch并解除bufferfix
func (bp *BufferPool) Release(f *Frame, latchMode LatchMode) {
	switch latchMode {
	case RW_S_LATCH:
		f.Lock.SUnlock()
	case RW_X_LATCH:
		f.Lock.XUnlock()
	}
	bp.unfixOnly(f)
}

// OptimisticGet 乐观重定位：帧仍是同一页面且modifyClock未变时成功。
// 任何需要等待的情形都直接失败。
func (bp *BufferPool) OptimisticGet(latchMode LatchMode, f *Frame, modifyClock uint64) bool {
	if !bp.tryLatch(f, latchMode) {
		return false
	}
	if f.state != BUF_BLOCK_FILE_PAGE || f.ModifyClock() != modifyClock {
		switch latchMode {
		case RW_S_LATCH:
			f.Lock.SUnlock()
		case RW_X_LATCH:
			f.Lock.XUnlock()
		}
		return false
	}
	bp.mu.Enter()
	bp.ulintClock++
	bp.fixFrame(f)
	bp.mu.Exit()
	return true
}

// Peek 非固定的存在性探测
func (bp *BufferPool) Peek(spaceId uint32, pageNo uint32) bool {
	bp.mu.Enter()
	defer bp.mu.Exit()
	return bp.hash.Search(bp.frames, spaceId, pageNo) != nilFrame
}

// MakeYoung 把页面拉到LRU头部
func (bp *BufferPool) MakeYoung(f *Frame) {
	bp.mu.Enter()
	defer bp.mu.Exit()
	bp.ulintClock++
	f.old = false
	f.lruPosition = bp.ulintClock
	if f.isInList(LIST_LRU) {
		bp.lruRemove(f)
		bp.lruInsert(f, false)
	}
}

// allocFreeFrame 取一个可用帧。调用方持有池互斥量。
func (bp *BufferPool) allocFreeFrame() (*Frame, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if bp.free.Len() > 0 {
			f := bp.frames[bp.free.First()]
			bp.free.Remove(bp.frames, f)
			f.state = BUF_BLOCK_READY_FOR_USE
			return f, nil
		}
		if bp.lruSearchFree(BUF_LRU_FREE_SEARCH_LEN) {
			continue
		}
		// LRU尾部没有干净可替换帧，刷一批脏页后重试
		bp.mu.Exit()
		n := bp.FlushBatch(BUF_FLUSH_LRU, BUF_FLUSH_FREE_BLOCK_MARGIN, 0)
		if n == 0 {
			logger.Warnf("LRU刷脏没有取得进展, attempt=%d", attempt)
		}
		bp.mu.Enter()
	}
	return nil, errors.Trace(ErrPoolExhausted)
}

// NoPendingIO 是否没有在途I/O
func (bp *BufferPool) NoPendingIO() bool {
	if atomic.LoadInt32(&bp.nPendingReads) != 0 {
		return false
	}
	for i := 0; i < int(BUF_FLUSH_N_TYPES); i++ {
		if atomic.LoadInt32(&bp.nPendingWrites[i]) != 0 {
			return false
		}
	}
	return true
}

// HitRate 命中率
func (bp *BufferPool) HitRate() float64 {
	h := atomic.LoadUint64(&bp.hitCount)
	m := atomic.LoadUint64(&bp.missCount)
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// FreedPageClock 帧被替换的次数
func (bp *BufferPool) FreedPageClock() uint64 {
	bp.mu.Enter()
	defer bp.mu.Exit()
	return bp.freedPageClock
}
