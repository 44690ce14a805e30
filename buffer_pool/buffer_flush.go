package buffer_pool

import (
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/fileio"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
)

// SetModified mtr提交时对每个被修改的帧调用：
// 推进newest_modification，首次弄脏时记oldest并挂到flush链表尾。
// mtr的start_lsn单调递增，所以链表天然按oldest_modification升序。
func (bp *BufferPool) SetModified(f *Frame, startLsn common.LSNT, endLsn common.LSNT) {
	bp.mu.Enter()
	f.newestModification = endLsn
	if f.oldestModification == 0 {
		f.oldestModification = startLsn
		bp.flushList.AddLast(bp.frames, f)
	}
	bp.mu.Exit()
}

// OldestModificationLSN 全池最旧脏页LSN，没有脏页返回0。
// checkpoint用它确定重做起点。
func (bp *BufferPool) OldestModificationLSN() common.LSNT {
	bp.mu.Enter()
	defer bp.mu.Exit()
	if bp.flushList.Len() == 0 {
		return 0
	}
	return bp.frames[bp.flushList.First()].oldestModification
}

// FlushListLen 脏页链表长度
func (bp *BufferPool) FlushListLen() uint32 {
	bp.mu.Enter()
	defer bp.mu.Exit()
	return bp.flushList.Len()
}

// FlushBatch 刷一批脏页，返回实际写出的页面数。
// BUF_FLUSH_LIST按oldest_modification从小到大走脏页链表，
// lsnLimit>0时只刷oldest_modification小于它的页面；
// BUF_FLUSH_LRU从LRU尾部找脏页，为free链表腾帧。
// 同种类型的批量同一时刻只允许一个。
func (bp *BufferPool) FlushBatch(flushType BufferFlushType, maxPages int, lsnLimit common.LSNT) int {
	bp.mu.Enter()
	if bp.flushRunning[flushType] {
		bp.mu.Exit()
		return 0
	}
	bp.flushRunning[flushType] = true

	flushed := 0
	switch flushType {
	case BUF_FLUSH_LIST:
		idx := bp.flushList.First()
		for idx != nilFrame && flushed < maxPages {
			f := bp.frames[idx]
			if lsnLimit > 0 && f.oldestModification >= lsnLimit {
				break
			}
			next := bp.flushList.Next(f)
			if bp.flushOne(f, flushType) {
				flushed++
				// flushOne期间互斥量松开过，从头继续最稳妥
				idx = bp.flushList.First()
			} else {
				idx = next
			}
		}
	default:
		idx := bp.lru.Last()
		scanned := 0
		for idx != nilFrame && flushed < maxPages && scanned < BUF_LRU_FREE_SEARCH_LEN*2 {
			f := bp.frames[idx]
			prev := bp.lru.Prev(f)
			scanned++
			if f.oldestModification > 0 && bp.flushOne(f, flushType) {
				flushed++
				idx = bp.lru.Last()
			} else {
				idx = prev
			}
		}
	}

	bp.flushRunning[flushType] = false
	bp.mu.Exit()
	return flushed
}

// FlushSinglePage 刷指定页面
func (bp *BufferPool) FlushSinglePage(spaceId uint32, pageNo uint32) bool {
	bp.mu.Enter()
	idx := bp.hash.Search(bp.frames, spaceId, pageNo)
	if idx == nilFrame {
		bp.mu.Exit()
		return false
	}
	ok := bp.flushOne(bp.frames[idx], BUF_FLUSH_SINGLE_PAGE)
	bp.mu.Exit()
	return ok
}

// flushOne 写出一个脏页。进入和返回时都持有池互斥量，中间松开。
// 写盘前先保证WAL：日志刷到该页的newest_modification。
func (bp *BufferPool) flushOne(f *Frame, flushType BufferFlushType) bool {
	if f.oldestModification == 0 || f.ioFix != BUF_IO_NONE {
		return false
	}
	// 写出期间持S latch，阻塞写者放行读者
	if !f.Lock.TrySLock() {
		return false
	}
	f.ioFix = BUF_IO_WRITE
	f.flushType = flushType
	atomic.AddInt32(&bp.nPendingWrites[flushType], 1)
	newest := f.newestModification
	spaceId, pageNo := f.spaceId, f.pageNo
	bp.mu.Exit()

	// WAL：该页最新修改对应的日志必须先落盘
	if bp.redo != nil {
		if err := bp.redo.FlushUpTo(newest); err != nil {
			logger.Fatalf("日志刷盘失败, 无法保证WAL: %v", err)
		}
	}
	pages.WritePageLSN(f.data, newest)
	pages.StampChecksum(f.data)
	// 校验和盖在原始页面上，压缩发生在落盘前的最后一步
	out := f.data
	if bp.transcoder != nil {
		out = bp.transcoder.EncodePage(spaceId, f.data)
	}

	var err error
	if bp.aio != nil {
		req := &fileio.Request{
			Kind:   fileio.IO_WRITE,
			File:   fileio.FILE_DATA,
			PageId: common.PageId{SpaceId: spaceId, PageNo: pageNo},
			Buf:    out,
		}
		bp.aio.Submit(req, false, fileio.MODE_NORMAL)
		err = req.Wait()
	} else {
		err = bp.spaceIO.WritePage(spaceId, pageNo, out)
	}

	bp.ioCompleteWrite(f, err)
	bp.mu.Enter()
	return err == nil
}

// ioCompleteWrite 写完成：摘出flush链表并清脏水位；
// 写失败时保持脏状态留待重试
func (bp *BufferPool) ioCompleteWrite(f *Frame, err error) {
	bp.mu.Enter()
	f.ioFix = BUF_IO_NONE
	atomic.AddInt32(&bp.nPendingWrites[f.flushType], -1)
	if err == nil {
		if f.isInList(LIST_FLUSH) {
			bp.flushList.Remove(bp.frames, f)
		}
		f.oldestModification = 0
	} else {
		logger.Errorf("页面写出失败(space=%d,page=%d): %v", f.spaceId, f.pageNo, err)
	}
	bp.mu.Exit()
	f.Lock.SUnlock()
}

// FreeMargin 维持free链表的最小余量，余量不足时先从LRU尾部搬干净帧，
// 搬不到就发起一轮LRU刷脏
func (bp *BufferPool) FreeMargin() {
	needed := uint32(BUF_FLUSH_FREE_BLOCK_MARGIN + BUF_FLUSH_EXTRA_MARGIN)
	for attempt := 0; attempt < 3; attempt++ {
		bp.mu.Enter()
		if bp.free.Len() >= needed || bp.lru.Len() == 0 {
			bp.mu.Exit()
			return
		}
		moved := bp.lruSearchFree(BUF_LRU_FREE_SEARCH_LEN)
		bp.mu.Exit()
		if !moved {
			if bp.FlushBatch(BUF_FLUSH_LRU, int(needed), 0) == 0 {
				return
			}
		}
	}
}

// FlushAll 刷出全部脏页
func (bp *BufferPool) FlushAll() int {
	total := 0
	for {
		n := bp.FlushBatch(BUF_FLUSH_LIST, len(bp.frames)+1, 0)
		total += n
		if n == 0 {
			return total
		}
	}
}

// Validate 校验控制块状态一致性与flush链表有序性，测试与诊断用
func (bp *BufferPool) Validate() error {
	bp.mu.Enter()
	defer bp.mu.Exit()

	for _, f := range bp.frames {
		switch f.state {
		case BUF_BLOCK_NOT_USED:
			if !f.isInList(LIST_FREE) || f.isInList(LIST_LRU) || f.isInList(LIST_FLUSH) {
				return errors.Errorf("NOT_USED帧%d链表归属错误", f.idx)
			}
		case BUF_BLOCK_READY_FOR_USE, BUF_BLOCK_MEMORY:
			if f.isInList(LIST_FREE) || f.isInList(LIST_LRU) || f.isInList(LIST_FLUSH) {
				return errors.Errorf("READY/MEMORY帧%d不应在任何链表", f.idx)
			}
		case BUF_BLOCK_FILE_PAGE:
			if bp.hash.Search(bp.frames, f.spaceId, f.pageNo) != f.idx {
				return errors.Errorf("FILE_PAGE帧%d不在页面哈希", f.idx)
			}
			if atomic.LoadInt32(&f.bufFixCount) == 0 && f.ioFix == BUF_IO_NONE && !f.isInList(LIST_LRU) {
				return errors.Errorf("未固定的FILE_PAGE帧%d不在LRU", f.idx)
			}
			if (f.oldestModification > 0) != f.isInList(LIST_FLUSH) {
				return errors.Errorf("帧%d的flush链表归属与脏水位不符", f.idx)
			}
		}
	}

	// flush链表按oldest_modification升序
	var last common.LSNT
	for idx := bp.flushList.First(); idx != nilFrame; idx = bp.flushList.Next(bp.frames[idx]) {
		om := bp.frames[idx].oldestModification
		if om < last {
			return errors.New("flush链表乱序")
		}
		last = om
	}
	return nil
}
