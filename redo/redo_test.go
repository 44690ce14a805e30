package redo

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

func TestCompressedCodec(t *testing.T) {
	t.Run("u32往返", func(t *testing.T) {
		cases := []uint32{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000, 0xFFFFFFF, 0x10000000, 0xFFFFFFFF}
		for _, v := range cases {
			buf := WriteCompressed(nil, v)
			got, n, err := ReadCompressed(buf, 0)
			require.NoError(t, err)
			assert.Equal(t, v, got)
			assert.Equal(t, len(buf), n)
		}
	})

	t.Run("u32编码长度", func(t *testing.T) {
		assert.Len(t, WriteCompressed(nil, 0x7F), 1)
		assert.Len(t, WriteCompressed(nil, 0x80), 2)
		assert.Len(t, WriteCompressed(nil, 0x4000), 3)
		assert.Len(t, WriteCompressed(nil, 0x200000), 4)
		assert.Len(t, WriteCompressed(nil, 0x10000000), 5)
	})

	t.Run("u64往返", func(t *testing.T) {
		for _, v := range []uint64{0, 1, 1 << 32, 0xFFFFFFFFFFFFFFFF} {
			buf := WriteCompressedU64(nil, v)
			got, n, err := ReadCompressedU64(buf, 0)
			require.NoError(t, err)
			assert.Equal(t, v, got)
			assert.Equal(t, len(buf), n)
		}
	})

	t.Run("数据不足", func(t *testing.T) {
		buf := WriteCompressed(nil, 0x4000)
		_, _, err := ReadCompressed(buf[:1], 0)
		assert.Equal(t, ErrIncompleteRecord, err)
	})
}

func TestParseRecord(t *testing.T) {
	t.Run("nbyte记录", func(t *testing.T) {
		buf := AppendRecordHeader(nil, MLOG_2BYTES, 3, 9)
		buf = WriteCompressed(buf, 40)
		buf = WriteCompressed(buf, 0x1234)
		rec, n, err := ParseRecord(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, uint8(MLOG_2BYTES), rec.Type)
		assert.Equal(t, uint32(3), rec.SpaceId)
		assert.Equal(t, uint32(9), rec.PageNo)
	})

	t.Run("compact标志位", func(t *testing.T) {
		buf := AppendRecordHeader(nil, MLOG_REDO_INDEX|MLOG_COMP_FLAG, 1, 1)
		buf = util.WriteUB2(buf, 0)
		rec, _, err := ParseRecord(buf, 0)
		require.NoError(t, err)
		assert.True(t, rec.Compact)
		assert.Equal(t, uint8(MLOG_REDO_INDEX), rec.Type)
	})

	t.Run("不完整返回错误", func(t *testing.T) {
		buf := AppendRecordHeader(nil, MLOG_WRITE_STRING, 1, 1)
		buf = WriteCompressed(buf, 100)
		buf = WriteCompressed(buf, 8)
		buf = append(buf, 1, 2, 3) // 声明8字节只给3字节
		_, n, err := ParseRecord(buf, 0)
		assert.Equal(t, ErrIncompleteRecord, err)
		assert.Equal(t, 0, n)
	})
}

func TestApplyRecord(t *testing.T) {
	page := make([]byte, common.PAGE_SIZE)

	t.Run("nbyte与字符串", func(t *testing.T) {
		buf := AppendRecordHeader(nil, MLOG_4BYTES, 1, 2)
		buf = WriteCompressed(buf, 64)
		buf = WriteCompressed(buf, 0xCAFEBABE)
		rec, _, err := ParseRecord(buf, 0)
		require.NoError(t, err)
		require.NoError(t, ApplyRecord(page, rec))
		assert.Equal(t, uint32(0xCAFEBABE), util.GetUB4(page, 64))

		buf = AppendRecordHeader(nil, MLOG_WRITE_STRING, 1, 2)
		buf = WriteCompressed(buf, 100)
		buf = WriteCompressed(buf, 5)
		buf = append(buf, []byte("hello")...)
		rec, _, err = ParseRecord(buf, 0)
		require.NoError(t, err)
		require.NoError(t, ApplyRecord(page, rec))
		assert.Equal(t, []byte("hello"), page[100:105])
	})

	t.Run("索引页编辑程序", func(t *testing.T) {
		prog := []byte{KEY_OP_OFFSET}
		prog = util.WriteUB2(prog, 200)
		prog = append(prog, KEY_OP_CHANGE)
		prog = util.WriteUB2(prog, 4)
		prog = append(prog, 0xAA, 0xBB, 0xCC, 0xDD)

		buf := AppendRecordHeader(nil, MLOG_REDO_INDEX, 1, 2)
		buf = util.WriteUB2(buf, uint16(len(prog)))
		buf = append(buf, prog...)

		rec, _, err := ParseRecord(buf, 0)
		require.NoError(t, err)
		require.NoError(t, ApplyRecord(page, rec))
		assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, page[200:204])
	})

	t.Run("页面新建记录", func(t *testing.T) {
		buf := AppendRecordHeader(nil, MLOG_PAGE_CREATE, 7, 11)
		buf = util.WriteUB2(buf, common.FILE_PAGE_INDEX)
		rec, _, err := ParseRecord(buf, 0)
		require.NoError(t, err)
		require.NoError(t, ApplyRecord(page, rec))
		assert.Equal(t, uint32(11), util.GetUB4(page, common.FIL_PAGE_OFFSET))
		assert.Equal(t, uint16(common.FILE_PAGE_INDEX), util.GetUB2(page, common.FIL_PAGE_TYPE))
	})
}

func TestLog(t *testing.T) {
	newTestLog := func(t *testing.T) *Log {
		l, err := NewLog(&LogConfig{
			LogDir:       t.TempDir(),
			FileSize:     64 * 1024,
			FilesInGroup: 2,
		})
		require.NoError(t, err)
		return l
	}

	t.Run("LSN分配连续", func(t *testing.T) {
		l := newTestLog(t)
		defer l.Close()
		s1, e1 := l.Append([]byte("abcd"))
		s2, e2 := l.Append([]byte("efgh"))
		assert.Equal(t, e1, s2)
		assert.Equal(t, s1+4, e1)
		assert.Equal(t, s2+4, e2)
	})

	t.Run("FlushUpTo推进水位", func(t *testing.T) {
		l := newTestLog(t)
		defer l.Close()
		_, end := l.Append(make([]byte, 1000))
		require.NoError(t, l.FlushUpTo(end))
		assert.GreaterOrEqual(t, l.FlushedLSN(), end)
	})

	t.Run("组提交并发等待", func(t *testing.T) {
		l := newTestLog(t)
		defer l.Close()
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, end := l.Append(make([]byte, 128))
				assert.NoError(t, l.FlushUpTo(end))
				assert.GreaterOrEqual(t, l.FlushedLSN(), end)
			}()
		}
		wg.Wait()
	})

	t.Run("checkpoint持久化", func(t *testing.T) {
		dir := t.TempDir()
		l, err := NewLog(&LogConfig{LogDir: dir, FileSize: 64 * 1024, FilesInGroup: 1})
		require.NoError(t, err)
		_, end := l.Append(make([]byte, 256))
		require.NoError(t, l.Checkpoint(end))
		assert.Equal(t, end, l.CheckpointLSN())
		require.NoError(t, l.Close())

		// 重新打开从checkpoint恢复LSN水位
		l2, err := NewLog(&LogConfig{LogDir: dir, FileSize: 64 * 1024, FilesInGroup: 1})
		require.NoError(t, err)
		assert.Equal(t, end, l2.CheckpointLSN())
		assert.Equal(t, end, l2.CurrentLSN())
		require.NoError(t, l2.Close())
	})
}
