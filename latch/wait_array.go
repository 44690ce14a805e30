package latch

import (
	"sync"
	"time"

	"github.com/zhukovaskychina/xinnodb-engine/logger"
)

// 等待超过该时间打印疑似死锁警告
const longWaitThreshold = 2 * time.Minute

// WaitMode 等待对象的模式
type WaitMode int

const (
	WAIT_MUTEX WaitMode = iota
	WAIT_RW_S
	WAIT_RW_X
)

type waitCell struct {
	object   interface{}
	mode     WaitMode
	ch       chan struct{}
	reserved bool
	waitTime time.Time
}

// WaitArray 固定大小的等待单元表，按(对象,模式)停放等待者并精确唤醒
type WaitArray struct {
	mu    sync.Mutex
	cells []waitCell
}

// NewWaitArray 创建等待数组
func NewWaitArray(nCells int) *WaitArray {
	wa := &WaitArray{cells: make([]waitCell, nCells)}
	for i := range wa.cells {
		wa.cells[i].ch = make(chan struct{}, 1)
	}
	return wa
}

// Reserve 预定一个等待单元，返回单元下标；数组占满时直接让出调度再重试
func (wa *WaitArray) Reserve(object interface{}, mode WaitMode) int {
	for {
		wa.mu.Lock()
		for i := range wa.cells {
			if !wa.cells[i].reserved {
				wa.cells[i].reserved = true
				wa.cells[i].object = object
				wa.cells[i].mode = mode
				wa.cells[i].waitTime = time.Now()
				// 清掉可能残留的唤醒信号
				select {
				case <-wa.cells[i].ch:
				default:
				}
				wa.mu.Unlock()
				return i
			}
		}
		wa.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// Wait 在预定的单元上等待唤醒；超时仅产生警告，不用于控制流
func (wa *WaitArray) Wait(cell int) {
	for {
		select {
		case <-wa.cells[cell].ch:
			wa.free(cell)
			return
		case <-time.After(longWaitThreshold):
			logger.Warnf("线程在同步对象上等待超过%v, 疑似死锁: cell=%d", longWaitThreshold, cell)
		}
	}
}

// FreeCell 取消预定（未实际进入等待时使用）
func (wa *WaitArray) FreeCell(cell int) {
	wa.free(cell)
}

func (wa *WaitArray) free(cell int) {
	wa.mu.Lock()
	wa.cells[cell].reserved = false
	wa.cells[cell].object = nil
	wa.mu.Unlock()
}

// Signal 唤醒在object上按mode等待的一个线程，返回是否有等待者
func (wa *WaitArray) Signal(object interface{}, mode WaitMode) bool {
	wa.mu.Lock()
	defer wa.mu.Unlock()
	for i := range wa.cells {
		if wa.cells[i].reserved && wa.cells[i].object == object && wa.cells[i].mode == mode {
			select {
			case wa.cells[i].ch <- struct{}{}:
			default:
			}
			return true
		}
	}
	return false
}

// SignalObject 唤醒在object上等待的所有线程，不区分模式
func (wa *WaitArray) SignalObject(object interface{}) int {
	wa.mu.Lock()
	defer wa.mu.Unlock()
	n := 0
	for i := range wa.cells {
		if wa.cells[i].reserved && wa.cells[i].object == object {
			select {
			case wa.cells[i].ch <- struct{}{}:
			default:
			}
			n++
		}
	}
	return n
}
