package common

import "fmt"

// LSNT 日志序列号，逻辑日志流中严格递增的字节位置
type LSNT = uint64

// SpaceIdT 表空间ID
type SpaceIdT = uint32

// PageId 页面标识 (表空间ID, 页号)
type PageId struct {
	SpaceId uint32
	PageNo  uint32
}

func NewPageId(spaceId uint32, pageNo uint32) PageId {
	return PageId{SpaceId: spaceId, PageNo: pageNo}
}

func (p PageId) String() string {
	return fmt.Sprintf("[space=%d,page=%d]", p.SpaceId, p.PageNo)
}

// FilAddr 文件空间地址，(页号, 页内偏移)，页号为FIL_NULL表示未定义
type FilAddr struct {
	PageNo uint32
	Boffset uint16
}

// FilAddrNull 空地址
func FilAddrNull() FilAddr {
	return FilAddr{PageNo: FIL_NULL, Boffset: 0}
}

// IsNull 地址是否未定义
func (f FilAddr) IsNull() bool {
	return f.PageNo == FIL_NULL
}

// 事务ID，64位单调递增
type TrxIdT = uint64
