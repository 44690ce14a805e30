package latch

import (
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/zhukovaskychina/xinnodb-engine/logger"
)

// 同步对象的层级，持有高层级的线程只允许再去获取更低层级的对象
const (
	SYNC_MEM_HASH   = 1
	SYNC_LOG        = 2
	SYNC_BUF_BLOCK  = 3
	SYNC_BUF_POOL   = 4
	SYNC_SEARCH_SYS = 5
	SYNC_KERNEL     = 6
	SYNC_FSP_PAGE   = 7
	SYNC_FSP        = 8
	SYNC_INDEX_TREE = 9
	SYNC_DICT       = 10

	// 不参与层级检查
	SYNC_NO_ORDER_CHECK = 0
)

// LevelCheckEnabled 是否启用层级死锁检查，调试用
var LevelCheckEnabled = false

type levelTracker struct {
	mu     sync.Mutex
	stacks map[int64][]int
}

var tracker = &levelTracker{stacks: make(map[int64][]int)}

// goid 解析当前goroutine编号
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// 形如 "goroutine 123 [running]:"
	fields := strings.Fields(string(buf[:n]))
	if len(fields) >= 2 {
		if id, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			return id
		}
	}
	return -1
}

// pushLevel 记录当前goroutine获取了level层级的对象
func pushLevel(level int) {
	if !LevelCheckEnabled || level == SYNC_NO_ORDER_CHECK {
		return
	}
	id := goid()
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	stack := tracker.stacks[id]
	if len(stack) > 0 && level >= stack[len(stack)-1] {
		logger.Fatalf("latch层级违规: 持有层级%d时获取层级%d", stack[len(stack)-1], level)
	}
	tracker.stacks[id] = append(stack, level)
}

// popLevel 释放层级记录
func popLevel(level int) {
	if !LevelCheckEnabled || level == SYNC_NO_ORDER_CHECK {
		return
	}
	id := goid()
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	stack := tracker.stacks[id]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == level {
			tracker.stacks[id] = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(tracker.stacks[id]) == 0 {
		delete(tracker.stacks, id)
	}
}
