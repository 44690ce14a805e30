package engine

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/conf"
	"github.com/zhukovaskychina/xinnodb-engine/manager"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

func newTestEngine(t *testing.T) *Engine {
	cfg := conf.NewStorageConfig()
	cfg.DataDir = t.TempDir()
	cfg.LogDir = t.TempDir()
	cfg.BufferPoolSize = 512
	cfg.LogFileSize = 8 * 1024 * 1024
	cfg.FlushInterval = 100 * time.Millisecond
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	return eng
}

func u32key(i int) []byte {
	return util.ConvertUInt4Bytes(uint32(i))
}

// 顺序插入后范围扫描必须按序返回全部键，页面与日志自检通过
func TestInsertScanCheckpoint(t *testing.T) {
	eng := newTestEngine(t)

	h, err := eng.OpenTable("t_seq", 0)
	require.NoError(t, err)

	trx := eng.TrxBegin()
	for i := 1; i <= 100; i++ {
		require.NoError(t, eng.Insert(h, trx, u32key(i), []byte(fmt.Sprintf("row-%d", i))))
	}
	require.NoError(t, eng.TrxCommit(trx))

	t.Run("范围扫描升序返回", func(t *testing.T) {
		reader := eng.TrxBegin()
		eng.SetReadView(reader)
		eng.ScanInit(h, nil)
		i := 0
		for {
			key, value, ok, err := eng.ScanNext(h, reader)
			require.NoError(t, err)
			if !ok {
				break
			}
			i++
			assert.Equal(t, u32key(i), key)
			assert.Equal(t, []byte(fmt.Sprintf("row-%d", i)), value)
		}
		eng.ScanEnd(h)
		assert.Equal(t, 100, i)
		require.NoError(t, eng.TrxCommit(reader))
	})

	t.Run("按键读取", func(t *testing.T) {
		reader := eng.TrxBegin()
		val, found, err := eng.ReadKey(h, reader, u32key(42))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("row-42"), val)
		require.NoError(t, eng.TrxCommit(reader))
	})

	t.Run("checkpoint不超过当前LSN", func(t *testing.T) {
		require.NoError(t, eng.FlushAll())
		require.NoError(t, eng.Checkpoint())
		assert.LessOrEqual(t, eng.Log().CheckpointLSN(), eng.Log().CurrentLSN())
		assert.GreaterOrEqual(t, eng.Log().FlushedLSN(), eng.Log().CheckpointLSN())
	})

	t.Run("自检通过", func(t *testing.T) {
		require.NoError(t, eng.Validate())
	})

	require.NoError(t, eng.Close())
}

// 读视图隔离：提交前开启的视图看不到写入，新视图看得到
func TestReadViewIsolation(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	h, err := eng.OpenTable("t_mvcc", 0)
	require.NoError(t, err)

	writer := eng.TrxBegin()
	reader := eng.TrxBegin()
	eng.SetReadView(reader) // 写入提交前的快照

	const n = 300
	for i := 0; i < n; i++ {
		require.NoError(t, eng.Insert(h, writer, u32key(i), []byte("payload")))
	}

	t.Run("提交前旧视图看到0行", func(t *testing.T) {
		h2 := eng.CloneHandle(h)
		eng.ScanInit(h2, nil)
		count := 0
		for {
			_, _, ok, err := eng.ScanNext(h2, reader)
			require.NoError(t, err)
			if !ok {
				break
			}
			count++
		}
		eng.ScanEnd(h2)
		eng.CloseHandle(h2)
		assert.Equal(t, 0, count)
	})

	require.NoError(t, eng.TrxCommit(writer))

	t.Run("提交后旧视图依旧看到0行", func(t *testing.T) {
		count := 0
		eng.ScanInit(h, nil)
		for {
			_, _, ok, err := eng.ScanNext(h, reader)
			require.NoError(t, err)
			if !ok {
				break
			}
			count++
		}
		eng.ScanEnd(h)
		assert.Equal(t, 0, count)
	})

	require.NoError(t, eng.TrxCommit(reader))

	t.Run("新视图看到全部行", func(t *testing.T) {
		reader2 := eng.TrxBegin()
		eng.SetReadView(reader2)
		count := 0
		eng.ScanInit(h, nil)
		for {
			_, _, ok, err := eng.ScanNext(h, reader2)
			require.NoError(t, err)
			if !ok {
				break
			}
			count++
		}
		eng.ScanEnd(h)
		assert.Equal(t, n, count)
		require.NoError(t, eng.TrxCommit(reader2))
	})
}

func TestRollback(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	h, err := eng.OpenTable("t_rb", 0)
	require.NoError(t, err)

	setup := eng.TrxBegin()
	require.NoError(t, eng.Insert(h, setup, u32key(1), []byte("committed")))
	require.NoError(t, eng.TrxCommit(setup))

	trx := eng.TrxBegin()
	require.NoError(t, eng.Insert(h, trx, u32key(2), []byte("uncommitted")))
	require.NoError(t, eng.Update(h, trx, u32key(1), []byte("overwrite")))
	require.NoError(t, eng.Delete(h, trx, u32key(1)))
	require.NoError(t, eng.TrxRollback(trx))

	t.Run("回滚后恢复原状", func(t *testing.T) {
		reader := eng.TrxBegin()
		eng.SetReadView(reader)

		val, found, err := eng.ReadKey(h, reader, u32key(1))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("committed"), val)

		_, found, err = eng.ReadKey(h, reader, u32key(2))
		require.NoError(t, err)
		assert.False(t, found)
		require.NoError(t, eng.TrxCommit(reader))
	})
}

func TestDeleteAndPurge(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	h, err := eng.OpenTable("t_purge", 0)
	require.NoError(t, err)

	trx := eng.TrxBegin()
	for i := 0; i < 20; i++ {
		require.NoError(t, eng.Insert(h, trx, u32key(i), []byte("to-be-deleted")))
	}
	require.NoError(t, eng.TrxCommit(trx))

	del := eng.TrxBegin()
	for i := 0; i < 10; i++ {
		require.NoError(t, eng.Delete(h, del, u32key(i)))
	}
	require.NoError(t, eng.TrxCommit(del))

	t.Run("删除行不可见", func(t *testing.T) {
		reader := eng.TrxBegin()
		eng.SetReadView(reader)
		_, found, err := eng.ReadKey(h, reader, u32key(3))
		require.NoError(t, err)
		assert.False(t, found)
		require.NoError(t, eng.TrxCommit(reader))
	})

	t.Run("purge回收历史", func(t *testing.T) {
		require.Greater(t, eng.undoMgr.HistoryLen(), 0)
		eng.purgeMgr.RunOnce()
		assert.Equal(t, 0, eng.undoMgr.HistoryLen())

		// 物理清除后记录彻底消失
		_, _, found, err := h.table.btree.SearchRaw(u32key(3))
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestOutOfSpace(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	// 表空间封顶两个extent
	h, err := eng.OpenTable("t_small", 128)
	require.NoError(t, err)

	big := make([]byte, 2048)
	trx := eng.TrxBegin()
	var failedAt int
	var lastErr error
	for i := 0; i < 5000; i++ {
		if err := eng.Insert(h, trx, u32key(i), big); err != nil {
			failedAt = i
			lastErr = err
			break
		}
	}

	t.Run("空间耗尽报OutOfSpace", func(t *testing.T) {
		require.Error(t, lastErr)
		assert.Equal(t, manager.ErrOutOfSpace, errors.Cause(lastErr))
		assert.Greater(t, failedAt, 0)
	})

	t.Run("失败的插入没有留下半成品", func(t *testing.T) {
		reader := eng.CloneHandle(h)
		_, found, err := eng.ReadKey(reader, trx, u32key(failedAt))
		require.NoError(t, err)
		assert.False(t, found)
		eng.CloseHandle(reader)
		require.NoError(t, eng.Validate())
	})

	require.NoError(t, eng.TrxCommit(trx))

	t.Run("删除加purge后重试成功", func(t *testing.T) {
		del := eng.TrxBegin()
		for i := 0; i < failedAt/2; i++ {
			require.NoError(t, eng.Delete(h, del, u32key(i)))
		}
		require.NoError(t, eng.TrxCommit(del))
		eng.purgeMgr.RunOnce()

		retry := eng.TrxBegin()
		err := eng.Insert(h, retry, u32key(failedAt), big)
		assert.NoError(t, err)
		require.NoError(t, eng.TrxCommit(retry))
	})
}

// 压缩表空间：页面以压缩帧落盘，读回后逐字节还原
func TestPageCompression(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	h, err := eng.OpenTable("t_zip", 0)
	require.NoError(t, err)
	eng.SetTableCompression(h, manager.COMPRESSION_SNAPPY, manager.COMPRESSION_LEVEL_DEFAULT)

	trx := eng.TrxBegin()
	row := bytes.Repeat([]byte("A"), 256)
	for i := 0; i < 30; i++ {
		require.NoError(t, eng.Insert(h, trx, u32key(i), row))
	}
	require.NoError(t, eng.TrxCommit(trx))
	require.NoError(t, eng.FlushAll())

	spaceId := h.table.SpaceId
	rootPage := h.table.btree.RootPageNo()

	t.Run("盘上是压缩帧", func(t *testing.T) {
		raw, err := eng.fm.ReadPage(spaceId, rootPage)
		require.NoError(t, err)
		assert.Equal(t, manager.COMPRESSION_SNAPPY, raw[0])
		assert.Equal(t, uint32(eng.cfg.PageSize), util.GetUB4(raw, 1))
	})

	t.Run("解码后页面自洽", func(t *testing.T) {
		raw, err := eng.fm.ReadPage(spaceId, rootPage)
		require.NoError(t, err)
		page, err := eng.compressMgr.DecodePage(spaceId, raw)
		require.NoError(t, err)
		assert.Equal(t, rootPage, pages.GetPageNo(page))
		require.NoError(t, pages.VerifyPage(page))
	})

	t.Run("读路径透明还原", func(t *testing.T) {
		reader := eng.TrxBegin()
		val, found, err := eng.ReadKey(h, reader, u32key(7))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, row, val)
		require.NoError(t, eng.TrxCommit(reader))
	})

	t.Run("压缩统计推进", func(t *testing.T) {
		assert.Greater(t, eng.compressMgr.GetStats().CompressedPages, uint64(0))
	})
}

func TestDuplicateKey(t *testing.T) {
	eng := newTestEngine(t)
	defer eng.Close()

	h, err := eng.OpenTable("t_dup", 0)
	require.NoError(t, err)

	trx := eng.TrxBegin()
	require.NoError(t, eng.Insert(h, trx, u32key(1), []byte("a")))
	err = eng.Insert(h, trx, u32key(1), []byte("b"))
	assert.Equal(t, ErrKeyExists, errors.Cause(err))
	require.NoError(t, eng.TrxCommit(trx))
}
