package basic

import "github.com/zhukovaskychina/xinnodb-engine/common"

// SpaceIO 表空间的页面读写接口，由fileio层实现
type SpaceIO interface {
	ReadPage(spaceId uint32, pageNo uint32) ([]byte, error)
	WritePage(spaceId uint32, pageNo uint32, content []byte) error
	FlushSpace(spaceId uint32) error
	PageCount(spaceId uint32) (uint32, error)
	// Extend 尝试把表空间扩展desired个页面，返回实际扩展数
	Extend(spaceId uint32, desired uint32) (uint32, error)
}

// PageTranscoder 页面落盘前后的透明转码（压缩/解压），
// 缓冲池在写盘前Encode、读盘后Decode
type PageTranscoder interface {
	EncodePage(spaceId uint32, page []byte) []byte
	DecodePage(spaceId uint32, data []byte) ([]byte, error)
}

// RedoWriter 重做日志的写入面，缓冲池在刷脏页前必须先调用FlushUpTo
type RedoWriter interface {
	Append(record []byte) (start common.LSNT, end common.LSNT)
	FlushUpTo(lsn common.LSNT) error
	FlushedLSN() common.LSNT
	CurrentLSN() common.LSNT
}
