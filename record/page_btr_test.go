package record

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
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

func (m *memSpaceIO) FlushSpace(spaceId uint32) error                 { return nil }
func (m *memSpaceIO) PageCount(spaceId uint32) (uint32, error)        { return 4096, nil }
func (m *memSpaceIO) Extend(spaceId uint32, d uint32) (uint32, error) { return d, nil }

func newTestEnv(t *testing.T) (*buffer_pool.BufferPool, *redo.Log) {
	log, err := redo.NewLog(&redo.LogConfig{
		LogDir:       t.TempDir(),
		FileSize:     4 * 1024 * 1024,
		FilesInGroup: 2,
	})
	require.NoError(t, err)
	pool := buffer_pool.NewBufferPool(&buffer_pool.BufferPoolConfig{
		PoolSize: 128,
		PageSize: common.PAGE_SIZE,
		SpaceIO:  newMemSpaceIO(common.PAGE_SIZE),
		Redo:     log,
	})
	return pool, log
}

func createIndexPage(t *testing.T, pool *buffer_pool.BufferPool, log *redo.Log, pageNo uint32) *buffer_pool.Frame {
	m := mtr.Start(pool, log)
	f, err := m.CreatePage(1, pageNo, common.FILE_PAGE_INDEX)
	require.NoError(t, err)
	PageCreate(m, f, true, 77, 0)
	m.Commit()
	return f
}

func key4(i int) []byte {
	return []byte(fmt.Sprintf("%04d", i))
}

func TestPageCreate(t *testing.T) {
	pool, log := newTestEnv(t)
	defer log.Close()
	f := createIndexPage(t, pool, log, 10)
	page := f.Data()

	assert.Equal(t, uint16(2), pages.GetNDirSlots(page))
	assert.Equal(t, uint16(2), pages.GetNHeap(page))
	assert.True(t, pages.IsCompact(page))
	assert.Equal(t, uint16(0), pages.GetNRecs(page))
	assert.Equal(t, uint64(77), pages.GetIndexId(page))
	assert.Equal(t, uint8(common.INFIMUM_RECORD), RecType(page, pages.PAGE_INFIMUM))
	assert.Equal(t, uint8(common.SUPREMUM_RECORD), RecType(page, pages.PAGE_SUPREMUM))
	assert.Equal(t, uint16(pages.PAGE_SUPREMUM), RecNext(page, pages.PAGE_INFIMUM))
	require.NoError(t, PageValidate(page))
}

func TestPageInsertDelete(t *testing.T) {
	pool, log := newTestEnv(t)
	defer log.Close()
	f := createIndexPage(t, pool, log, 11)
	page := f.Data()

	t.Run("乱序插入后链上有序", func(t *testing.T) {
		m := mtr.Start(pool, log)
		_, err := pool.GetPage(1, 11, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		require.NoError(t, err)
		m.PushMemo(f, buffer_pool.RW_X_LATCH)
		for _, i := range []int{5, 1, 9, 3, 7, 2, 8, 4, 6, 0} {
			prev := PageSearchPrev(page, key4(i))
			_, err := PageInsert(m, f, prev, MakePayload(key4(i), []byte("v")), common.ORDINARY_RECORD)
			require.NoError(t, err)
		}
		m.Commit()

		assert.Equal(t, uint16(10), pages.GetNRecs(page))
		require.NoError(t, PageValidate(page))

		rec := RecNext(page, pages.PAGE_INFIMUM)
		for i := 0; i < 10; i++ {
			assert.Equal(t, key4(i), RecKey(page, rec))
			rec = RecNext(page, rec)
		}
	})

	t.Run("精确查找", func(t *testing.T) {
		origin, found := PageFind(page, key4(7))
		require.True(t, found)
		assert.Equal(t, []byte("v"), RecValue(page, origin))
		_, found = PageFind(page, []byte("9999"))
		assert.False(t, found)
	})

	t.Run("删除维持目录不变式", func(t *testing.T) {
		m := mtr.Start(pool, log)
		_, err := pool.GetPage(1, 11, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		require.NoError(t, err)
		m.PushMemo(f, buffer_pool.RW_X_LATCH)
		prev := PageSearchPrev(page, key4(5))
		require.NoError(t, PageDelete(m, f, prev))
		m.Commit()

		assert.Equal(t, uint16(9), pages.GetNRecs(page))
		_, found := PageFind(page, key4(5))
		assert.False(t, found)
		assert.Greater(t, pages.GetGarbage(page), uint16(0))
		require.NoError(t, PageValidate(page))
	})

	t.Run("删除空间被同尺寸插入复用", func(t *testing.T) {
		heapBefore := pages.GetHeapTop(page)
		m := mtr.Start(pool, log)
		_, err := pool.GetPage(1, 11, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		require.NoError(t, err)
		m.PushMemo(f, buffer_pool.RW_X_LATCH)
		prev := PageSearchPrev(page, key4(5))
		_, err = PageInsert(m, f, prev, MakePayload(key4(5), []byte("v")), common.ORDINARY_RECORD)
		require.NoError(t, err)
		m.Commit()

		assert.Equal(t, heapBefore, pages.GetHeapTop(page))
		assert.Equal(t, uint16(0), pages.GetGarbage(page))
		require.NoError(t, PageValidate(page))
	})

	t.Run("删光用户记录目录仍合法", func(t *testing.T) {
		m := mtr.Start(pool, log)
		_, err := pool.GetPage(1, 11, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		require.NoError(t, err)
		m.PushMemo(f, buffer_pool.RW_X_LATCH)
		for pages.GetNRecs(page) > 0 {
			rec := RecNext(page, pages.PAGE_INFIMUM)
			prev := PageSearchPrev(page, RecKey(page, rec))
			require.NoError(t, PageDelete(m, f, prev))
		}
		m.Commit()

		assert.Equal(t, uint16(0), pages.GetNRecs(page))
		assert.Equal(t, uint16(pages.PAGE_SUPREMUM), RecNext(page, pages.PAGE_INFIMUM))
		require.NoError(t, PageValidate(page))
	})
}

func TestDirectorySplit(t *testing.T) {
	pool, log := newTestEnv(t)
	defer log.Close()
	f := createIndexPage(t, pool, log, 12)
	page := f.Data()

	m := mtr.Start(pool, log)
	_, err := pool.GetPage(1, 12, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	require.NoError(t, err)
	m.PushMemo(f, buffer_pool.RW_X_LATCH)
	// 插入远超一个组容量的记录，逼出槽位分裂
	for i := 0; i < 100; i++ {
		prev := PageSearchPrev(page, key4(i))
		_, err := PageInsert(m, f, prev, MakePayload(key4(i), []byte("val")), common.ORDINARY_RECORD)
		require.NoError(t, err)
	}
	m.Commit()

	assert.Greater(t, pages.GetNDirSlots(page), uint16(2))
	require.NoError(t, PageValidate(page))
}

func TestMaxInsertSizeBoundary(t *testing.T) {
	pool, log := newTestEnv(t)
	defer log.Close()
	f := createIndexPage(t, pool, log, 13)
	page := f.Data()

	m := mtr.Start(pool, log)
	_, err := pool.GetPage(1, 13, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	require.NoError(t, err)
	m.PushMemo(f, buffer_pool.RW_X_LATCH)

	// 大记录快速填页
	payload := MakePayload(key4(0), make([]byte, 1000))
	recSize := REC_EXTRA_SIZE + REC_DATA_LEN_SIZE + len(payload)
	i := 0
	for {
		if MaxInsertSize(page) < recSize {
			break
		}
		prev := PageSearchPrev(page, key4(i))
		_, err := PageInsert(m, f, prev, MakePayload(key4(i), make([]byte, 1000)), common.ORDINARY_RECORD)
		require.NoError(t, err)
		i++
	}

	t.Run("空间不足时报页满", func(t *testing.T) {
		prev := PageSearchPrev(page, key4(i))
		_, err := PageInsert(m, f, prev, MakePayload(key4(i), make([]byte, 1000)), common.ORDINARY_RECORD)
		assert.Equal(t, ErrPageFull, errors.Cause(err))
	})

	t.Run("刚好容纳的记录成功", func(t *testing.T) {
		avail := MaxInsertSize(page)
		if avail > REC_EXTRA_SIZE+REC_DATA_LEN_SIZE+2+len(key4(0)) {
			// 组装刚好填满剩余空间的记录
			valLen := avail - REC_EXTRA_SIZE - REC_DATA_LEN_SIZE - 2 - len(key4(i))
			prev := PageSearchPrev(page, key4(i))
			_, err := PageInsert(m, f, prev, MakePayload(key4(i), make([]byte, valLen)), common.ORDINARY_RECORD)
			require.NoError(t, err)
			assert.Equal(t, 0, MaxInsertSize(page))
		}
	})
	m.Commit()
	require.NoError(t, PageValidate(page))
}

func TestCopyRecListEnd(t *testing.T) {
	pool, log := newTestEnv(t)
	defer log.Close()
	src := createIndexPage(t, pool, log, 14)
	dst := createIndexPage(t, pool, log, 15)

	m := mtr.Start(pool, log)
	_, err := pool.GetPage(1, 14, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	require.NoError(t, err)
	m.PushMemo(src, buffer_pool.RW_X_LATCH)
	_, err = pool.GetPage(1, 15, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
	require.NoError(t, err)
	m.PushMemo(dst, buffer_pool.RW_X_LATCH)

	for i := 0; i < 20; i++ {
		prev := PageSearchPrev(src.Data(), key4(i))
		_, err := PageInsert(m, src, prev, MakePayload(key4(i), []byte("x")), common.ORDINARY_RECORD)
		require.NoError(t, err)
	}

	// 从第10条开始搬到dst
	split, found := PageFind(src.Data(), key4(10))
	require.True(t, found)
	require.NoError(t, PageCopyRecListEnd(m, dst, src, split, true))
	require.NoError(t, PageDeleteRecListEnd(m, src, split))
	m.Commit()

	assert.Equal(t, uint16(10), pages.GetNRecs(src.Data()))
	assert.Equal(t, uint16(10), pages.GetNRecs(dst.Data()))
	require.NoError(t, PageValidate(src.Data()))
	require.NoError(t, PageValidate(dst.Data()))

	rec := RecNext(dst.Data(), pages.PAGE_INFIMUM)
	for i := 10; i < 20; i++ {
		assert.Equal(t, key4(i), RecKey(dst.Data(), rec))
		rec = RecNext(dst.Data(), rec)
	}
}
