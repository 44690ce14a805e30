package manager

import (
	"bytes"
	"compress/zlib"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/juju/errors"
	"github.com/pierrec/lz4/v4"
	"github.com/zhukovaskychina/xinnodb-engine/basic"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

var _ basic.PageTranscoder = (*CompressionManager)(nil)

// CompressionManager 页面透明压缩。
// 缓冲池写盘前把整页编码成压缩帧，读盘后解回原始页面；
// 压缩不划算的页面原样落盘，读取侧靠帧头甄别。
type CompressionManager struct {
	mu sync.RWMutex

	pageSize uint32

	// 压缩设置映射: space_id -> compression_settings
	spaceSettings map[uint32]*CompressionSettings

	// 压缩统计
	stats CompressionStats
}

// CompressionSettings 表示压缩设置
type CompressionSettings struct {
	SpaceID    uint32  // 表空间ID
	Method     uint8   // 压缩方法
	Level      uint8   // 压缩级别
	MinSavings float64 // 最小压缩率，低于该值原样落盘
}

// CompressionStats 表示压缩统计信息
type CompressionStats struct {
	TotalPages      uint64  // 总页面数
	CompressedPages uint64  // 压缩页面数
	TotalSize       uint64  // 总大小
	CompressedSize  uint64  // 压缩后大小
	FailureCount    uint64  // 压缩失败次数
	AvgSavings      float64 // 平均压缩率
}

// 压缩方法常量
const (
	COMPRESSION_NONE   uint8 = iota // 不压缩
	COMPRESSION_ZLIB                // zlib压缩
	COMPRESSION_SNAPPY              // snappy压缩
	COMPRESSION_LZ4                 // lz4压缩
)

// 压缩级别常量
const (
	COMPRESSION_LEVEL_NONE    uint8 = 0
	COMPRESSION_LEVEL_FASTEST uint8 = 1
	COMPRESSION_LEVEL_DEFAULT uint8 = 6
	COMPRESSION_LEVEL_BEST    uint8 = 9
)

// 压缩帧头: method(1) + 原始长度(4) + 压缩后长度(4)，其后为压缩数据，
// 帧整体补零到页面大小
const compressedFrameHdr = 9

// NewCompressionManager 创建压缩管理器
func NewCompressionManager(pageSize uint32) *CompressionManager {
	return &CompressionManager{
		pageSize:      pageSize,
		spaceSettings: make(map[uint32]*CompressionSettings),
	}
}

// SetCompressionSettings 设置表空间的压缩设置
func (cm *CompressionManager) SetCompressionSettings(spaceID uint32, settings *CompressionSettings) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.spaceSettings[spaceID] = settings
}

// GetCompressionSettings 获取表空间的压缩设置
func (cm *CompressionManager) GetCompressionSettings(spaceID uint32) *CompressionSettings {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.spaceSettings[spaceID]
}

// EncodePage 写盘前编码。未配置压缩或压缩不划算时返回原页。
func (cm *CompressionManager) EncodePage(spaceID uint32, page []byte) []byte {
	settings := cm.GetCompressionSettings(spaceID)
	if settings == nil || settings.Method == COMPRESSION_NONE {
		return page
	}
	// 只转码完整页面
	if uint32(len(page)) != cm.pageSize {
		return page
	}

	payload, err := cm.compressBy(settings, page)
	if err != nil {
		cm.mu.Lock()
		cm.stats.FailureCount++
		cm.mu.Unlock()
		logger.Debugf("页面压缩失败, 原样落盘: space=%d %v", spaceID, err)
		return page
	}
	if len(payload)+compressedFrameHdr >= len(page) {
		return page
	}
	if settings.MinSavings > 0 &&
		float64(len(page)-len(payload))/float64(len(page)) < settings.MinSavings {
		return page
	}

	frame := make([]byte, len(page))
	frame[0] = settings.Method
	util.PutUB4(frame, 1, uint32(len(page)))
	util.PutUB4(frame, 5, uint32(len(payload)))
	copy(frame[compressedFrameHdr:], payload)
	cm.updateStats(len(page), len(payload)+compressedFrameHdr)
	return frame
}

// DecodePage 读盘后解码。帧头甄别：method合法且原始长度
// 等于页面大小才按压缩帧处理，否则视为原样页面。
func (cm *CompressionManager) DecodePage(spaceID uint32, data []byte) ([]byte, error) {
	settings := cm.GetCompressionSettings(spaceID)
	if settings == nil || settings.Method == COMPRESSION_NONE {
		return data, nil
	}
	if len(data) < compressedFrameHdr {
		return data, nil
	}
	method := data[0]
	if method != COMPRESSION_ZLIB && method != COMPRESSION_SNAPPY && method != COMPRESSION_LZ4 {
		return data, nil
	}
	origLen := util.GetUB4(data, 1)
	compLen := util.GetUB4(data, 5)
	if int(origLen) != len(data) || int(compLen) > len(data)-compressedFrameHdr {
		return data, nil
	}

	payload := data[compressedFrameHdr : compressedFrameHdr+compLen]
	out, err := cm.decompressBy(method, payload, int(origLen))
	if err != nil {
		return nil, errors.Annotatef(err, "解压页面失败: space=%d", spaceID)
	}
	return out, nil
}

func (cm *CompressionManager) compressBy(settings *CompressionSettings, data []byte) ([]byte, error) {
	switch settings.Method {
	case COMPRESSION_ZLIB:
		return cm.compressZlib(data, settings.Level)
	case COMPRESSION_SNAPPY:
		return snappy.Encode(nil, data), nil
	case COMPRESSION_LZ4:
		return cm.compressLz4(data)
	}
	return nil, errors.Errorf("未知的压缩方法%d", settings.Method)
}

func (cm *CompressionManager) decompressBy(method uint8, payload []byte, originalSize int) ([]byte, error) {
	switch method {
	case COMPRESSION_ZLIB:
		return cm.decompressZlib(payload, originalSize)
	case COMPRESSION_SNAPPY:
		return snappy.Decode(nil, payload)
	case COMPRESSION_LZ4:
		out := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return out[:n], nil
	}
	return nil, errors.Errorf("未知的压缩方法%d", method)
}

func (cm *CompressionManager) compressZlib(data []byte, level uint8) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, int(level))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func (cm *CompressionManager) decompressZlib(data []byte, originalSize int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer r.Close()
	buf := bytes.NewBuffer(make([]byte, 0, originalSize))
	if _, err := io.Copy(buf, r); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func (cm *CompressionManager) compressLz4(data []byte) ([]byte, error) {
	out := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, out)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return out[:n], nil
}

func (cm *CompressionManager) updateStats(originalSize, compressedSize int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.stats.TotalPages++
	cm.stats.CompressedPages++
	cm.stats.TotalSize += uint64(originalSize)
	cm.stats.CompressedSize += uint64(compressedSize)
	if cm.stats.TotalSize > 0 {
		cm.stats.AvgSavings = 1 - float64(cm.stats.CompressedSize)/float64(cm.stats.TotalSize)
	}
}

// GetStats 返回压缩统计
func (cm *CompressionManager) GetStats() CompressionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
