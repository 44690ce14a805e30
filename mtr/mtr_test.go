package mtr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
)

type memSpaceIO struct {
	mu       sync.Mutex
	pageSize uint32
	pages    map[uint64][]byte
}

func newMemSpaceIO(pageSize uint32) *memSpaceIO {
	return &memSpaceIO{pageSize: pageSize, pages: make(map[uint64][]byte)}
}

func (m *memSpaceIO) ReadPage(spaceId uint32, pageNo uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := uint64(spaceId)<<32 | uint64(pageNo)
	if p, ok := m.pages[k]; ok {
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
	m.pages[uint64(spaceId)<<32|uint64(pageNo)] = p
	return nil
}

func (m *memSpaceIO) FlushSpace(spaceId uint32) error               { return nil }
func (m *memSpaceIO) PageCount(spaceId uint32) (uint32, error)      { return 1024, nil }
func (m *memSpaceIO) Extend(spaceId uint32, d uint32) (uint32, error) { return d, nil }

func newTestEnv(t *testing.T) (*buffer_pool.BufferPool, *redo.Log) {
	log, err := redo.NewLog(&redo.LogConfig{
		LogDir:       t.TempDir(),
		FileSize:     256 * 1024,
		FilesInGroup: 2,
	})
	require.NoError(t, err)
	pool := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PoolSize: 64,
		PageSize: common.PAGE_SIZE,
		SpaceIO:  newMemSpaceIO(common.PAGE_SIZE),
		Redo:     log,
	})
	return pool, log
}

func TestMtrCommit(t *testing.T) {
	pool, log := newTestEnv(t)
	defer log.Close()

	t.Run("提交分配LSN区间并弄脏页面", func(t *testing.T) {
		m := Start(pool, log)
		f, err := m.CreatePage(1, 4, common.FILE_PAGE_INDEX)
		require.NoError(t, err)
		m.Write4(f, 100, 0x11223344)
		m.Write8(f, 104, 0x5566778899AABBCC)
		require.True(t, m.HasModifications())
		m.Commit()

		assert.Greater(t, m.EndLSN(), m.StartLSN())
		assert.True(t, f.IsDirty())
		assert.Equal(t, m.EndLSN(), f.NewestModification())
		assert.Equal(t, m.StartLSN(), f.OldestModification())
		require.NoError(t, pool.Validate())
	})

	t.Run("只读mtr不产生日志", func(t *testing.T) {
		m := Start(pool, log)
		before := log.CurrentLSN()
		_, err := m.GetPage(1, 4, buffer_pool.RW_S_LATCH, buffer_pool.BUF_GET)
		require.NoError(t, err)
		m.CommitNoModify()
		assert.Equal(t, before, log.CurrentLSN())
	})

	t.Run("NoLog模式改页不记日志", func(t *testing.T) {
		m := Start(pool, log)
		m.SetLogMode(MTR_LOG_NONE)
		f, err := m.GetPage(1, 4, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		require.NoError(t, err)
		before := log.CurrentLSN()
		m.Write4(f, 200, 42)
		m.Commit()
		assert.Equal(t, before, log.CurrentLSN())
	})
}

// 重做回放：从初始镜像按序应用日志记录必须逐字节复原页面
func TestMtrRedoReplay(t *testing.T) {
	pool, log := newTestEnv(t)
	defer log.Close()

	m := Start(pool, log)
	f, err := m.CreatePage(2, 8, common.FILE_PAGE_INDEX)
	require.NoError(t, err)
	m.Write1(f, 50, 0xAB)
	m.Write2(f, 52, 0x1234)
	m.Write4(f, 54, 0xDEADBEEF)
	m.Write8(f, 58, 0x0102030405060708)
	m.WriteBytes(f, 70, []byte("redo replay check"))
	m.IndexOps(f, true).
		SetOffset(120).
		Change([]byte{1, 2, 3, 4}).
		AddSuffix([]byte{9, 9}).
		Finish()

	live := make([]byte, common.PAGE_SIZE)
	copy(live, f.Data())
	m.Commit()
	require.NoError(t, log.FlushUpTo(m.EndLSN()))

	// 从日志文件读回本mtr的记录并应用到零页
	data, err := log.ReadRange(m.StartLSN(), m.EndLSN())
	require.NoError(t, err)

	replayed := make([]byte, common.PAGE_SIZE)
	pos := 0
	for pos < len(data) {
		rec, n, err := redo.ParseRecord(data, pos)
		require.NoError(t, err)
		require.Equal(t, uint32(2), rec.SpaceId)
		require.Equal(t, uint32(8), rec.PageNo)
		require.NoError(t, redo.ApplyRecord(replayed, rec))
		pos += n
	}
	assert.Equal(t, live, replayed)
}
