package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestByteConvert(t *testing.T) {
	t.Run("2字节往返", func(t *testing.T) {
		for _, v := range []uint16{0, 1, 255, 256, 0x1234, 0xFFFF} {
			assert.Equal(t, v, ReadUB2Byte2Int(ConvertUInt2Bytes(v)))
		}
	})

	t.Run("4字节往返", func(t *testing.T) {
		for _, v := range []uint32{0, 1, 0xDEADBEEF, 0xFFFFFFFF} {
			assert.Equal(t, v, ReadUB4Byte2UInt32(ConvertUInt4Bytes(v)))
		}
	})

	t.Run("8字节往返", func(t *testing.T) {
		for _, v := range []uint64{0, 1, 1 << 40, 0xFFFFFFFFFFFFFFFF} {
			assert.Equal(t, v, ReadUB8Byte2UInt64(ConvertUInt8Bytes(v)))
		}
	})

	t.Run("高位在前", func(t *testing.T) {
		buf := ConvertUInt4Bytes(0x01020304)
		assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, buf)
	})

	t.Run("页内原地读写", func(t *testing.T) {
		page := make([]byte, 64)
		PutUB2(page, 0, 0xABCD)
		PutUB4(page, 2, 0x12345678)
		PutUB8(page, 6, 0x1122334455667788)
		assert.Equal(t, uint16(0xABCD), GetUB2(page, 0))
		assert.Equal(t, uint32(0x12345678), GetUB4(page, 2))
		assert.Equal(t, uint64(0x1122334455667788), GetUB8(page, 6))
	})
}

func TestBitmap2Bit(t *testing.T) {
	bitmap := make([]byte, 32)

	t.Run("置位与清位", func(t *testing.T) {
		for _, idx := range []int{0, 1, 3, 63, 127} {
			assert.False(t, ReadBit2(bitmap, idx))
			WriteBit2(bitmap, idx, true)
			assert.True(t, ReadBit2(bitmap, idx))
		}
		assert.Equal(t, 5, CountBits2(bitmap, 128))
		WriteBit2(bitmap, 3, false)
		assert.False(t, ReadBit2(bitmap, 3))
		assert.Equal(t, 4, CountBits2(bitmap, 128))
	})
}

func TestHashCode(t *testing.T) {
	t.Run("稳定性", func(t *testing.T) {
		a := HashCode([]byte("space1page1"))
		b := HashCode([]byte("space1page1"))
		assert.Equal(t, a, b)
	})
	t.Run("fold区分不同页面", func(t *testing.T) {
		assert.NotEqual(t, FoldPageId(1, 2), FoldPageId(2, 1))
	})
}
