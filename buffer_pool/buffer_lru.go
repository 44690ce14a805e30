package buffer_pool

import (
	"sync/atomic"
)

// LRU链表分young/old两段，lruOld指向old段的第一帧。
// 新读入的页面插到midpoint而不是头部，防止全表扫描冲刷热数据。
// 以下函数都要求调用方持有池互斥量。

// lruTargetOldLen old段的目标长度
func (bp *BufferPool) lruTargetOldLen() uint32 {
	return uint32(float64(bp.lru.Len()) * bp.oldPct / 100.0)
}

// lruInsert 把帧插入LRU；toOld为真时插到midpoint
func (bp *BufferPool) lruInsert(f *Frame, toOld bool) {
	if bp.lru.Len() < BUF_LRU_OLD_MIN_LEN {
		// 链表太短，不区分young/old
		bp.lru.AddFirst(bp.frames, f)
		f.old = false
		bp.lruMaybeInitOld()
		return
	}
	if toOld && bp.lruOld != nilFrame {
		bp.lru.AddBefore(bp.frames, bp.frames[bp.lruOld], f)
		f.old = true
		bp.lruOld = f.idx
		bp.oldLen++
	} else {
		bp.lru.AddFirst(bp.frames, f)
		f.old = false
	}
	f.lruPosition = bp.ulintClock
	bp.lruBalance()
}

// lruRemove 把帧移出LRU
func (bp *BufferPool) lruRemove(f *Frame) {
	if bp.lruOld == f.idx {
		next := bp.lru.Next(f)
		bp.lruOld = next
	}
	if f.old {
		bp.oldLen--
	}
	bp.lru.Remove(bp.frames, f)
	if bp.lru.Len() < BUF_LRU_OLD_MIN_LEN {
		bp.lruDropOld()
	} else {
		bp.lruBalance()
	}
}

// lruMaybeInitOld 链表长度首次达到阈值时建立midpoint
func (bp *BufferPool) lruMaybeInitOld() {
	if bp.lruOld != nilFrame || bp.lru.Len() < BUF_LRU_OLD_MIN_LEN {
		return
	}
	target := bp.lruTargetOldLen()
	idx := bp.lru.Last()
	var cnt uint32
	for idx != nilFrame && cnt < target {
		f := bp.frames[idx]
		f.old = true
		cnt++
		bp.lruOld = idx
		idx = bp.lru.Prev(f)
	}
	bp.oldLen = cnt
}

// lruDropOld 链表过短时撤销midpoint
func (bp *BufferPool) lruDropOld() {
	for idx := bp.lru.First(); idx != nilFrame; idx = bp.lru.Next(bp.frames[idx]) {
		bp.frames[idx].old = false
	}
	bp.lruOld = nilFrame
	bp.oldLen = 0
}

// lruBalance 把old段长度维持在目标值附近
func (bp *BufferPool) lruBalance() {
	if bp.lruOld == nilFrame {
		bp.lruMaybeInitOld()
		return
	}
	target := bp.lruTargetOldLen()
	for bp.oldLen+1 < target {
		// old段扩张：边界向头部移动一格
		prev := bp.lru.Prev(bp.frames[bp.lruOld])
		if prev == nilFrame {
			return
		}
		bp.frames[prev].old = true
		bp.lruOld = prev
		bp.oldLen++
	}
	for bp.oldLen > target+1 {
		// old段收缩
		f := bp.frames[bp.lruOld]
		f.old = false
		bp.lruOld = bp.lru.Next(f)
		bp.oldLen--
		if bp.lruOld == nilFrame {
			return
		}
	}
}

// lruSearchFree 从LRU尾部向前找可替换帧搬到free链表，
// 最多检查searchLen个。找到返回true。调用方持有池互斥量。
func (bp *BufferPool) lruSearchFree(searchLen int) bool {
	idx := bp.lru.Last()
	for i := 0; idx != nilFrame && i < searchLen; i++ {
		f := bp.frames[idx]
		prev := bp.lru.Prev(f)
		if f.oldestModification == 0 && f.ioFix == BUF_IO_NONE &&
			atomic.LoadInt32(&f.bufFixCount) == 0 && f.Lock.TryXLock() {
			// 确认无人引用后替换
			bp.lruRemove(f)
			bp.hash.Delete(bp.frames, f)
			f.state = BUF_BLOCK_NOT_USED
			f.spaceId = 0
			f.pageNo = 0
			bp.free.AddLast(bp.frames, f)
			bp.freedPageClock++
			f.Lock.XUnlock()
			return true
		}
		idx = prev
	}
	return false
}

// LRULen LRU链表长度
func (bp *BufferPool) LRULen() uint32 {
	bp.mu.Enter()
	defer bp.mu.Exit()
	return bp.lru.Len()
}

// FreeLen free链表长度
func (bp *BufferPool) FreeLen() uint32 {
	bp.mu.Enter()
	defer bp.mu.Exit()
	return bp.free.Len()
}

// OldLen old段长度
func (bp *BufferPool) OldLen() uint32 {
	bp.mu.Enter()
	defer bp.mu.Exit()
	return bp.oldLen
}
