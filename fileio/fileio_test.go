package fileio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/common"
)

const testPageSize = 16384

func TestBlockFile(t *testing.T) {
	bf := NewBlockFile(t.TempDir(), "t.ibd", testPageSize, 4)
	require.NoError(t, bf.Open())
	defer bf.Close()

	t.Run("页面读写往返", func(t *testing.T) {
		content := make([]byte, testPageSize)
		copy(content, []byte("page-2-content"))
		require.NoError(t, bf.WritePage(2, content))
		require.NoError(t, bf.Sync())

		got, err := bf.ReadPage(2)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	})

	t.Run("初始大小与扩展", func(t *testing.T) {
		assert.Equal(t, uint32(4), bf.PageCount())
		n, err := bf.Extend(8)
		require.NoError(t, err)
		assert.Equal(t, uint32(8), n)
		assert.Equal(t, uint32(12), bf.PageCount())
	})
}

func TestFileManager(t *testing.T) {
	fm, err := NewFileManager(t.TempDir(), testPageSize)
	require.NoError(t, err)
	defer fm.Close()

	require.NoError(t, fm.RegisterSpace(1, "tbl_a", 16))

	t.Run("重复注册被拒绝", func(t *testing.T) {
		assert.Error(t, fm.RegisterSpace(1, "tbl_dup", 16))
	})

	t.Run("名字解析", func(t *testing.T) {
		id, ok := fm.SpaceIdByName("tbl_a")
		require.True(t, ok)
		assert.Equal(t, uint32(1), id)
	})

	t.Run("页面读写与刷盘计数", func(t *testing.T) {
		content := make([]byte, testPageSize)
		content[0] = 0x7E
		require.NoError(t, fm.WritePage(1, 5, content))
		require.NoError(t, fm.FlushSpace(1))
		assert.Equal(t, uint64(1), fm.FlushCount(1))

		got, err := fm.ReadPage(1, 5)
		require.NoError(t, err)
		assert.Equal(t, byte(0x7E), got[0])
	})

	t.Run("未注册空间报错", func(t *testing.T) {
		_, err := fm.ReadPage(99, 0)
		assert.Error(t, err)
	})
}

func TestAsyncIO(t *testing.T) {
	fm, err := NewFileManager(t.TempDir(), testPageSize)
	require.NoError(t, err)
	defer fm.Close()
	require.NoError(t, fm.RegisterSpace(1, "tbl_aio", 16))

	aio := NewAsyncIO(fm, 2)
	// 完成处理线程
	for i := 0; i < 2; i++ {
		go func(seg int) {
			for aio.WaitSegment(seg) != nil {
			}
		}(i)
	}

	t.Run("异步写后读回", func(t *testing.T) {
		content := make([]byte, testPageSize)
		content[100] = 0x55
		wreq := &Request{
			Kind:   IO_WRITE,
			File:   FILE_DATA,
			PageId: common.PageId{SpaceId: 1, PageNo: 3},
			Buf:    content,
		}
		require.NoError(t, aio.Submit(wreq, false, MODE_NORMAL))
		require.NoError(t, wreq.Wait())

		buf := make([]byte, testPageSize)
		rreq := &Request{
			Kind:   IO_READ,
			File:   FILE_DATA,
			PageId: common.PageId{SpaceId: 1, PageNo: 3},
			Buf:    buf,
		}
		require.NoError(t, aio.Submit(rreq, false, MODE_NORMAL))
		require.NoError(t, rreq.Wait())
		assert.Equal(t, byte(0x55), buf[100])
	})

	t.Run("同步提交当场完成", func(t *testing.T) {
		content := make([]byte, testPageSize)
		req := &Request{
			Kind:   IO_WRITE,
			File:   FILE_DATA,
			PageId: common.PageId{SpaceId: 1, PageNo: 4},
			Buf:    content,
		}
		require.NoError(t, aio.Submit(req, true, MODE_NORMAL))
	})

	t.Run("模拟批量等待唤醒", func(t *testing.T) {
		reqs := make([]*Request, 4)
		for i := range reqs {
			reqs[i] = &Request{
				Kind:   IO_WRITE,
				File:   FILE_DATA,
				PageId: common.PageId{SpaceId: 1, PageNo: uint32(8 + i)},
				Buf:    make([]byte, testPageSize),
			}
			require.NoError(t, aio.Submit(reqs[i], false, MODE_SIM_BATCH_WAKE_LATER))
		}
		aio.WakeSimulated()
		for _, r := range reqs {
			require.NoError(t, r.Wait())
		}
	})

	aio.Shutdown()
}
