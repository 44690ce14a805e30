package buffer_pool

import (
	"sync/atomic"

	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/latch"
)

// nilFrame 表示链表中的空指针
const nilFrame int32 = -1

// 帧参与的三条链表
const (
	LIST_FREE = iota
	LIST_LRU
	LIST_FLUSH
	LIST_N
)

type listLinks struct {
	prev int32
	next int32
}

// Frame 页面控制块，固定住一个按页面大小对齐的内存缓冲。
// 所有字段（除页面latch外）都由缓冲池互斥量保护。
type Frame struct {
	idx  int32
	data []byte

	state   BufferPageState
	spaceId uint32
	pageNo  uint32

	// 页面哈希链
	hashNext int32

	// free/LRU/flush链表指针与成员标记
	links  [LIST_N]listLinks
	inList [LIST_N]bool

	// 脏页水位
	oldestModification common.LSNT
	newestModification common.LSNT

	// LRU启发
	lruPosition uint64
	old         bool
	accessed    bool

	bufFixCount int32
	ioFix       BufferIOFix
	flushType   BufferFlushType

	// 乐观定位用的修改计数，X latch下的修改使其自增
	modifyClock uint64

	// 页面内容latch
	Lock *latch.RWLatch
}

// Data 帧的页面字节
func (f *Frame) Data() []byte {
	return f.data
}

// PageId 帧当前映射的页面标识
func (f *Frame) PageId() common.PageId {
	return common.PageId{SpaceId: f.spaceId, PageNo: f.pageNo}
}

// SpaceId 表空间ID
func (f *Frame) SpaceId() uint32 { return f.spaceId }

// PageNo 页号
func (f *Frame) PageNo() uint32 { return f.pageNo }

// State 控制块状态
func (f *Frame) State() BufferPageState { return f.state }

// IsDirty 是否为脏页
func (f *Frame) IsDirty() bool {
	return f.oldestModification > 0
}

// OldestModification 最旧未刷修改LSN
func (f *Frame) OldestModification() common.LSNT { return f.oldestModification }

// NewestModification 最新修改LSN
func (f *Frame) NewestModification() common.LSNT { return f.newestModification }

// ModifyClock 当前修改计数
func (f *Frame) ModifyClock() uint64 {
	return atomic.LoadUint64(&f.modifyClock)
}

// BumpModifyClock 修改计数自增，调用方必须持有X latch
func (f *Frame) BumpModifyClock() {
	atomic.AddUint64(&f.modifyClock, 1)
}

// BufFixCount 当前固定计数
func (f *Frame) BufFixCount() int32 {
	return atomic.LoadInt32(&f.bufFixCount)
}

// IOFix 当前I/O状态
func (f *Frame) IOFix() BufferIOFix { return f.ioFix }

func (f *Frame) isInList(kind int) bool {
	return f.inList[kind]
}
