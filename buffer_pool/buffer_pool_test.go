package buffer_pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// memSpaceIO 内存实现的SpaceIO，测试用
type memSpaceIO struct {
	mu       sync.Mutex
	pageSize uint32
	pages    map[uint64][]byte
	flushes  int
}

func newMemSpaceIO(pageSize uint32) *memSpaceIO {
	return &memSpaceIO{pageSize: pageSize, pages: make(map[uint64][]byte)}
}

func key(spaceId, pageNo uint32) uint64 {
	return uint64(spaceId)<<32 | uint64(pageNo)
}

func (m *memSpaceIO) ReadPage(spaceId uint32, pageNo uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[key(spaceId, pageNo)]; ok {
		out := make([]byte, m.pageSize)
		copy(out, p)
		return out, nil
	}
	return make([]byte, m.pageSize), nil
}

func (m *memSpaceIO) WritePage(spaceId uint32, pageNo uint32, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := make([]byte, len(content))
	copy(p, content)
	m.pages[key(spaceId, pageNo)] = p
	return nil
}

func (m *memSpaceIO) FlushSpace(spaceId uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *memSpaceIO) PageCount(spaceId uint32) (uint32, error) { return 1024, nil }
func (m *memSpaceIO) Extend(spaceId uint32, desired uint32) (uint32, error) {
	return desired, nil
}

// recordingRedo 记录FlushUpTo调用，验证WAL次序
type recordingRedo struct {
	mu        sync.Mutex
	flushedTo []common.LSNT
	current   uint64
}

func (r *recordingRedo) Append(record []byte) (common.LSNT, common.LSNT) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.current
	r.current += uint64(len(record))
	return start, r.current
}

func (r *recordingRedo) FlushUpTo(lsn common.LSNT) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushedTo = append(r.flushedTo, lsn)
	return nil
}

func (r *recordingRedo) FlushedLSN() common.LSNT {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.flushedTo) == 0 {
		return 0
	}
	return r.flushedTo[len(r.flushedTo)-1]
}

func (r *recordingRedo) CurrentLSN() common.LSNT { return r.current }

func newTestPool(poolSize uint32) (*BufferPool, *memSpaceIO, *recordingRedo) {
	io := newMemSpaceIO(common.PAGE_SIZE)
	redo := &recordingRedo{current: 16}
	bp := NewBufferPool(&BufferPoolConfig{
		PoolSize: poolSize,
		PageSize: common.PAGE_SIZE,
		SpaceIO:  io,
		Redo:     redo,
	})
	return bp, io, redo
}

func TestBufferPoolBasic(t *testing.T) {
	bp, io, _ := newTestPool(32)

	t.Run("未命中走磁盘读取", func(t *testing.T) {
		content := make([]byte, common.PAGE_SIZE)
		util.PutUB4(content, 500, 0xABCD1234)
		require.NoError(t, io.WritePage(1, 3, content))

		f, err := bp.GetPage(1, 3, RW_S_LATCH, BUF_GET)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, uint32(0xABCD1234), util.GetUB4(f.Data(), 500))
		bp.Release(f, RW_S_LATCH)
		require.NoError(t, bp.Validate())
	})

	t.Run("命中不再读盘", func(t *testing.T) {
		f, err := bp.GetPage(1, 3, RW_S_LATCH, BUF_GET)
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Greater(t, bp.HitRate(), 0.0)
		bp.Release(f, RW_S_LATCH)
	})

	t.Run("GetIfInPool未命中返回nil", func(t *testing.T) {
		f, err := bp.GetPage(9, 9, RW_S_LATCH, BUF_GET_IF_IN_POOL)
		require.NoError(t, err)
		assert.Nil(t, f)
	})

	t.Run("Peek不固定页面", func(t *testing.T) {
		assert.True(t, bp.Peek(1, 3))
		assert.False(t, bp.Peek(8, 8))
	})

	t.Run("NoWait对冲突让步", func(t *testing.T) {
		f, err := bp.GetPage(1, 3, RW_X_LATCH, BUF_GET)
		require.NoError(t, err)
		done := make(chan *Frame)
		go func() {
			nf, _ := bp.GetPage(1, 3, RW_X_LATCH, BUF_GET_NO_WAIT)
			done <- nf
		}()
		assert.Nil(t, <-done)
		bp.Release(f, RW_X_LATCH)
	})
}

func TestBufferPoolCreate(t *testing.T) {
	bp, _, _ := newTestPool(16)

	f, err := bp.CreatePage(2, 10)
	require.NoError(t, err)
	for _, b := range f.Data() {
		require.Equal(t, byte(0), b)
	}
	assert.Equal(t, BUF_BLOCK_FILE_PAGE, f.State())
	bp.Release(f, RW_X_LATCH)
	require.NoError(t, bp.Validate())
	assert.True(t, bp.Peek(2, 10))
}

func TestFrameStateInvariants(t *testing.T) {
	bp, _, _ := newTestPool(16)

	f, err := bp.GetPage(1, 1, RW_S_LATCH, BUF_GET)
	require.NoError(t, err)

	t.Run("固定的帧不在LRU", func(t *testing.T) {
		assert.False(t, f.isInList(LIST_LRU))
		assert.Equal(t, int32(1), f.BufFixCount())
	})

	t.Run("释放后回到LRU", func(t *testing.T) {
		bp.Release(f, RW_S_LATCH)
		assert.True(t, f.isInList(LIST_LRU))
		require.NoError(t, bp.Validate())
	})
}

func TestFlushAndWAL(t *testing.T) {
	bp, io, redo := newTestPool(16)

	f, err := bp.GetPage(1, 5, RW_X_LATCH, BUF_GET)
	require.NoError(t, err)
	util.PutUB4(f.Data(), 600, 0xDEAD)
	f.BumpModifyClock()
	bp.Release(f, RW_X_LATCH)
	bp.SetModified(f, 100, 200)

	t.Run("脏页在flush链表", func(t *testing.T) {
		assert.True(t, f.IsDirty())
		assert.Equal(t, uint32(1), bp.FlushListLen())
		assert.Equal(t, common.LSNT(100), bp.OldestModificationLSN())
	})

	t.Run("刷出前先刷日志", func(t *testing.T) {
		n := bp.FlushBatch(BUF_FLUSH_LIST, 10, 0)
		assert.Equal(t, 1, n)
		require.NotEmpty(t, redo.flushedTo)
		// WAL：日志至少刷到newest_modification
		assert.GreaterOrEqual(t, redo.flushedTo[len(redo.flushedTo)-1], common.LSNT(200))

		content, _ := io.ReadPage(1, 5)
		assert.Equal(t, uint32(0xDEAD), util.GetUB4(content, 600))
		assert.False(t, f.IsDirty())
		assert.Equal(t, uint32(0), bp.FlushListLen())
	})

	t.Run("flush链表按oldest升序", func(t *testing.T) {
		for i := uint32(0); i < 5; i++ {
			pf, err := bp.GetPage(1, 20+i, RW_X_LATCH, BUF_GET)
			require.NoError(t, err)
			bp.Release(pf, RW_X_LATCH)
			bp.SetModified(pf, common.LSNT(1000+i*10), common.LSNT(1005+i*10))
		}
		require.NoError(t, bp.Validate())
		assert.Equal(t, common.LSNT(1000), bp.OldestModificationLSN())
		bp.FlushAll()
		assert.Equal(t, uint32(0), bp.FlushListLen())
	})
}

func TestOptimisticGet(t *testing.T) {
	bp, _, _ := newTestPool(16)

	f, err := bp.GetPage(1, 7, RW_S_LATCH, BUF_GET)
	require.NoError(t, err)
	mc := f.ModifyClock()
	bp.Release(f, RW_S_LATCH)

	t.Run("未被修改时成功", func(t *testing.T) {
		ok := bp.OptimisticGet(RW_S_LATCH, f, mc)
		require.True(t, ok)
		bp.Release(f, RW_S_LATCH)
	})

	t.Run("被修改后失败", func(t *testing.T) {
		xf, err := bp.GetPage(1, 7, RW_X_LATCH, BUF_GET)
		require.NoError(t, err)
		xf.BumpModifyClock()
		bp.Release(xf, RW_X_LATCH)

		assert.False(t, bp.OptimisticGet(RW_S_LATCH, f, mc))
	})
}

func TestLRUEviction(t *testing.T) {
	// 池子很小，读入超过容量的页面触发替换
	bp, _, _ := newTestPool(8)

	for i := uint32(0); i < 24; i++ {
		f, err := bp.GetPage(1, i, RW_S_LATCH, BUF_GET)
		require.NoError(t, err)
		bp.Release(f, RW_S_LATCH)
	}
	assert.Greater(t, bp.FreedPageClock(), uint64(0))
	require.NoError(t, bp.Validate())
	assert.LessOrEqual(t, bp.LRULen(), uint32(8))
}

func TestLRUMidpoint(t *testing.T) {
	bp, _, _ := newTestPool(256)

	// 超过BUF_LRU_OLD_MIN_LEN后建立midpoint
	for i := uint32(0); i < 120; i++ {
		f, err := bp.GetPage(1, i, RW_S_LATCH, BUF_GET)
		require.NoError(t, err)
		bp.Release(f, RW_S_LATCH)
	}
	oldLen := bp.OldLen()
	lruLen := bp.LRULen()
	require.Greater(t, lruLen, uint32(0))
	assert.Greater(t, oldLen, uint32(0))
	// old段占比大致为3/8
	ratio := float64(oldLen) / float64(lruLen)
	assert.InDelta(t, 0.375, ratio, 0.1)
	require.NoError(t, bp.Validate())
}
