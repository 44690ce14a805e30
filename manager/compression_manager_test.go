package manager

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

func TestCompressionFrame(t *testing.T) {
	cm := NewCompressionManager(common.PAGE_SIZE)
	// 高度可压缩的整页内容
	page := bytes.Repeat([]byte("abcdefgh"), common.PAGE_SIZE/8)

	methods := []struct {
		name   string
		method uint8
	}{
		{"zlib", COMPRESSION_ZLIB},
		{"snappy", COMPRESSION_SNAPPY},
		{"lz4", COMPRESSION_LZ4},
	}

	for _, mc := range methods {
		t.Run(mc.name+"编码往返", func(t *testing.T) {
			spaceID := uint32(100 + mc.method)
			cm.SetCompressionSettings(spaceID, &CompressionSettings{
				SpaceID: spaceID,
				Method:  mc.method,
				Level:   COMPRESSION_LEVEL_DEFAULT,
			})

			frame := cm.EncodePage(spaceID, page)
			// 压缩帧与原页等长（补零），帧头携带方法与长度
			require.Len(t, frame, len(page))
			assert.Equal(t, mc.method, frame[0])
			assert.Equal(t, uint32(len(page)), util.GetUB4(frame, 1))
			assert.Less(t, int(util.GetUB4(frame, 5)), len(page))

			out, err := cm.DecodePage(spaceID, frame)
			require.NoError(t, err)
			assert.Equal(t, page, out)
		})
	}

	t.Run("未配置的表空间原样进出", func(t *testing.T) {
		frame := cm.EncodePage(999, page)
		assert.Equal(t, page, frame)
		out, err := cm.DecodePage(999, page)
		require.NoError(t, err)
		assert.Equal(t, page, out)
	})

	t.Run("原样落盘的页面解码侧放行", func(t *testing.T) {
		spaceID := uint32(200)
		cm.SetCompressionSettings(spaceID, &CompressionSettings{
			SpaceID: spaceID,
			Method:  COMPRESSION_SNAPPY,
		})
		// 伪装成普通页面：首字节不是合法压缩方法
		raw := make([]byte, common.PAGE_SIZE)
		raw[0] = 0xC5
		util.PutUB4(raw, 4, 42)
		out, err := cm.DecodePage(spaceID, raw)
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	})

	t.Run("压缩不划算时原样落盘", func(t *testing.T) {
		spaceID := uint32(201)
		cm.SetCompressionSettings(spaceID, &CompressionSettings{
			SpaceID:    spaceID,
			Method:     COMPRESSION_SNAPPY,
			MinSavings: 0.99,
		})
		frame := cm.EncodePage(spaceID, page)
		assert.Equal(t, page, frame)
	})

	t.Run("压缩率统计", func(t *testing.T) {
		stats := cm.GetStats()
		assert.Greater(t, stats.CompressedPages, uint64(0))
		assert.Greater(t, stats.AvgSavings, 0.0)
	})
}
