// Package pages 定义各类页面的磁盘布局与存取
package pages

import (
	"errors"

	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

var (
	ErrInvalidChecksum = errors.New("invalid page checksum")
	ErrTornPage        = errors.New("page trailer lsn mismatch, torn write suspected")
)

// WritePageNo 写入页号
func WritePageNo(page []byte, pageNo uint32) {
	util.PutUB4(page, common.FIL_PAGE_OFFSET, pageNo)
}

// GetPageNo 读取页号
func GetPageNo(page []byte) uint32 {
	return util.GetUB4(page, common.FIL_PAGE_OFFSET)
}

// WritePagePrev 写入前驱页号
func WritePagePrev(page []byte, prev uint32) {
	util.PutUB4(page, common.FIL_PAGE_PREV, prev)
}

// GetPagePrev 读取前驱页号
func GetPagePrev(page []byte) uint32 {
	return util.GetUB4(page, common.FIL_PAGE_PREV)
}

// WritePageNext 写入后继页号
func WritePageNext(page []byte, next uint32) {
	util.PutUB4(page, common.FIL_PAGE_NEXT, next)
}

// GetPageNext 读取后继页号
func GetPageNext(page []byte) uint32 {
	return util.GetUB4(page, common.FIL_PAGE_NEXT)
}

// WritePageLSN 写入页面LSN，同时维护尾部的LSN低32位副本
func WritePageLSN(page []byte, lsn common.LSNT) {
	util.PutUB8(page, common.FIL_PAGE_LSN, lsn)
	trailer := uint32(len(page)) - common.PAGE_FILE_TRAILER_SIZE
	util.PutUB4(page, trailer+4, uint32(lsn&0xFFFFFFFF))
}

// GetPageLSN 读取页面LSN
func GetPageLSN(page []byte) common.LSNT {
	return util.GetUB8(page, common.FIL_PAGE_LSN)
}

// WritePageType 写入页面类型
func WritePageType(page []byte, pageType uint16) {
	util.PutUB2(page, common.FIL_PAGE_TYPE, pageType)
}

// GetPageType 读取页面类型
func GetPageType(page []byte) uint16 {
	return util.GetUB2(page, common.FIL_PAGE_TYPE)
}

// WriteFileFlushLSN 仅对0号页有效：数据文件的flushed LSN
func WriteFileFlushLSN(page []byte, lsn common.LSNT) {
	util.PutUB8(page, common.FIL_PAGE_FILE_FLUSH_LSN, lsn)
}

// GetFileFlushLSN 读取0号页的flushed LSN
func GetFileFlushLSN(page []byte) common.LSNT {
	return util.GetUB8(page, common.FIL_PAGE_FILE_FLUSH_LSN)
}

// WriteSpaceId 写入4.1后格式的space id字段
func WriteSpaceId(page []byte, spaceId uint32) {
	util.PutUB4(page, common.FIL_PAGE_ARCH_LOG_NO, spaceId)
}

// GetSpaceId 读取space id
func GetSpaceId(page []byte) uint32 {
	return util.GetUB4(page, common.FIL_PAGE_ARCH_LOG_NO)
}

// CalcChecksum 计算页面校验和，覆盖除头部校验字段与尾部之外的全部内容
func CalcChecksum(page []byte) uint32 {
	body := page[common.FIL_PAGE_OFFSET : len(page)-common.PAGE_FILE_TRAILER_SIZE]
	return uint32(util.HashCode(body) & 0xFFFFFFFF)
}

// StampChecksum 把校验和写入头部与尾部
func StampChecksum(page []byte) {
	sum := CalcChecksum(page)
	util.PutUB4(page, common.FIL_PAGE_SPACE_OR_CHKSUM, sum)
	trailer := uint32(len(page)) - common.PAGE_FILE_TRAILER_SIZE
	util.PutUB4(page, trailer, sum)
}

// VerifyPage 校验页面完整性：校验和一致且尾部LSN低位与头部相符
func VerifyPage(page []byte) error {
	trailer := uint32(len(page)) - common.PAGE_FILE_TRAILER_SIZE
	sum := CalcChecksum(page)
	if util.GetUB4(page, common.FIL_PAGE_SPACE_OR_CHKSUM) != sum ||
		util.GetUB4(page, trailer) != sum {
		return ErrInvalidChecksum
	}
	lsnLow := uint32(GetPageLSN(page) & 0xFFFFFFFF)
	if util.GetUB4(page, trailer+4) != lsnLow {
		return ErrTornPage
	}
	return nil
}

// InitPage 初始化一个新页面的公共头部
func InitPage(page []byte, pageId common.PageId, pageType uint16) {
	WritePageNo(page, pageId.PageNo)
	WritePagePrev(page, common.FIL_NULL)
	WritePageNext(page, common.FIL_NULL)
	WritePageLSN(page, 0)
	WritePageType(page, pageType)
	WriteSpaceId(page, pageId.SpaceId)
}
