package pages

import (
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 表空间头页面(0号页)在FIL_PAGE_DATA之后的布局
const (
	FSP_HEADER_OFFSET = common.FIL_PAGE_DATA

	FSP_SPACE_ID        = 0  // 4字节 表空间ID
	FSP_NOT_USED        = 4  // 4字节 保留
	FSP_SIZE            = 8  // 4字节 当前表空间大小(页面数)
	FSP_FREE_LIMIT      = 12 // 4字节 最小未初始化页号
	FSP_SPACE_FLAGS     = 16 // 4字节 标志位
	FSP_FRAG_N_USED     = 20 // 4字节 FREE_FRAG链表中已使用页面数
	FSP_FREE            = 24 // 16字节 空闲区链表基节点
	FSP_FREE_FRAG       = 40 // 16字节 部分使用的碎片区链表基节点
	FSP_FULL_FRAG       = 56 // 16字节 已满碎片区链表基节点
	FSP_SEG_ID          = 72 // 8字节 下一个段ID
	FSP_SEG_INODES_FULL = 80 // 16字节 已满inode页面链表基节点
	FSP_SEG_INODES_FREE = 96 // 16字节 有空位的inode页面链表基节点

	FSP_HEADER_SIZE = 112
)

// FSPHeaderField 表空间头中某字段的绝对页内偏移
func FSPHeaderField(field uint32) uint32 {
	return FSP_HEADER_OFFSET + field
}

// GetFSPSize 表空间当前大小
func GetFSPSize(page []byte) uint32 {
	return util.GetUB4(page, FSPHeaderField(FSP_SIZE))
}

// GetFSPFreeLimit 最小未初始化页号
func GetFSPFreeLimit(page []byte) uint32 {
	return util.GetUB4(page, FSPHeaderField(FSP_FREE_LIMIT))
}

// GetFSPSegId 下一个段ID
func GetFSPSegId(page []byte) uint64 {
	return util.GetUB8(page, FSPHeaderField(FSP_SEG_ID))
}

// GetFSPFragNUsed 碎片区中已使用的页面数
func GetFSPFragNUsed(page []byte) uint32 {
	return util.GetUB4(page, FSPHeaderField(FSP_FRAG_N_USED))
}
