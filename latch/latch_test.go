package latch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex(t *testing.T) {
	t.Run("互斥性", func(t *testing.T) {
		mu := NewMutex(SYNC_NO_ORDER_CHECK)
		var counter int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 1000; j++ {
					mu.Enter()
					counter++
					mu.Exit()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(8000), counter)
	})

	t.Run("TryEnter冲突时失败", func(t *testing.T) {
		mu := NewMutex(SYNC_NO_ORDER_CHECK)
		mu.Enter()
		assert.False(t, mu.TryEnter())
		mu.Exit()
		assert.True(t, mu.TryEnter())
		mu.Exit()
	})
}

func TestRWLatch(t *testing.T) {
	t.Run("共享读互斥写", func(t *testing.T) {
		rw := NewRWLatch(SYNC_NO_ORDER_CHECK)
		rw.SLock()
		assert.True(t, rw.TrySLock())
		assert.False(t, rw.TryXLock())
		rw.SUnlock()
		rw.SUnlock()
		assert.True(t, rw.TryXLock())
		rw.XUnlock()
	})

	t.Run("X重入", func(t *testing.T) {
		rw := NewRWLatch(SYNC_NO_ORDER_CHECK)
		rw.XLock()
		rw.XLock()
		rw.XUnlock()
		assert.True(t, rw.IsXLocked())
		rw.XUnlock()
		assert.False(t, rw.IsXLocked())
	})

	t.Run("所有权移交后他人可释放", func(t *testing.T) {
		rw := NewRWLatch(SYNC_NO_ORDER_CHECK)
		rw.XLockPass()
		done := make(chan struct{})
		go func() {
			rw.XUnlock()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("移交的X锁无法被其他goroutine释放")
		}
		assert.False(t, rw.IsXLocked())
	})

	t.Run("写阻塞读", func(t *testing.T) {
		rw := NewRWLatch(SYNC_NO_ORDER_CHECK)
		rw.XLock()
		var got int32
		go func() {
			rw.SLock()
			atomic.StoreInt32(&got, 1)
			rw.SUnlock()
		}()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), atomic.LoadInt32(&got))
		rw.XUnlock()
		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&got) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestWaitArray(t *testing.T) {
	t.Run("精确唤醒一个等待者", func(t *testing.T) {
		wa := NewWaitArray(16)
		obj := new(int)
		cell := wa.Reserve(obj, WAIT_MUTEX)
		done := make(chan struct{})
		go func() {
			wa.Wait(cell)
			close(done)
		}()
		time.Sleep(20 * time.Millisecond)
		assert.True(t, wa.Signal(obj, WAIT_MUTEX))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("等待者没有被唤醒")
		}
	})

	t.Run("无等待者时Signal返回false", func(t *testing.T) {
		wa := NewWaitArray(4)
		assert.False(t, wa.Signal(new(int), WAIT_RW_X))
	})
}

func TestLatchLevelOrder(t *testing.T) {
	LevelCheckEnabled = true
	defer func() { LevelCheckEnabled = false }()

	t.Run("从高到低获取合法", func(t *testing.T) {
		high := NewMutex(SYNC_FSP)
		low := NewMutex(SYNC_BUF_POOL)
		high.Enter()
		low.Enter()
		low.Exit()
		high.Exit()
	})
}
