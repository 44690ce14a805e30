package pages

import (
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 段inode页面：FIL_PAGE_DATA后先是inode页链表节点，再排inode数组
const (
	FSEG_INODE_PAGE_NODE = common.FIL_PAGE_DATA // 12字节 inode页面链表节点

	FSEG_ARR_OFFSET = common.FIL_PAGE_DATA + FLST_NODE_SIZE // inode数组起点

	// inode内偏移
	FSEG_ID                = 0  // 8字节 段ID，0表示空位
	FSEG_NOT_FULL_N_USED   = 8  // 4字节 NOT_FULL链表中已用页面数
	FSEG_FREE              = 12 // 16字节 空闲extent链表基节点
	FSEG_NOT_FULL          = 28 // 16字节 部分使用extent链表基节点
	FSEG_FULL              = 44 // 16字节 已满extent链表基节点
	FSEG_MAGIC_N_OFFSET    = 60 // 4字节 魔数
	FSEG_FRAG_ARR          = 64 // 32个碎片页槽位，每个4字节
	FSEG_FRAG_ARR_N_SLOTS  = 32
	FSEG_FRAG_SLOT_SIZE    = 4

	FSEG_INODE_SIZE = 192

	FSEG_MAGIC_N = 97937874
)

// InodesPerPage 每个inode页面可容纳的inode数
func InodesPerPage(pageSize uint32) uint32 {
	return (pageSize - FSEG_ARR_OFFSET - common.PAGE_FILE_TRAILER_SIZE) / FSEG_INODE_SIZE
}

// InodeOffset 第n个inode在页内的偏移
func InodeOffset(n uint32) uint32 {
	return FSEG_ARR_OFFSET + n*FSEG_INODE_SIZE
}

// InodeGetSegId 读取inode的段ID
func InodeGetSegId(page []byte, inodeOffset uint32) uint64 {
	return util.GetUB8(page, inodeOffset+FSEG_ID)
}

// InodeIsFree inode槽位是否空闲
func InodeIsFree(page []byte, inodeOffset uint32) bool {
	return InodeGetSegId(page, inodeOffset) == 0
}

// InodeGetNotFullNUsed NOT_FULL链表已用页面数
func InodeGetNotFullNUsed(page []byte, inodeOffset uint32) uint32 {
	return util.GetUB4(page, inodeOffset+FSEG_NOT_FULL_N_USED)
}

// InodeFragSlot 第idx个碎片页槽位的绝对偏移
func InodeFragSlot(inodeOffset uint32, idx uint32) uint32 {
	return inodeOffset + FSEG_FRAG_ARR + idx*FSEG_FRAG_SLOT_SIZE
}

// InodeGetFragPage 读取碎片页槽位，FIL_NULL表示空槽
func InodeGetFragPage(page []byte, inodeOffset uint32, idx uint32) uint32 {
	return util.GetUB4(page, InodeFragSlot(inodeOffset, idx))
}

// InodeVerifyMagic 校验inode魔数
func InodeVerifyMagic(page []byte, inodeOffset uint32) bool {
	return util.GetUB4(page, inodeOffset+FSEG_MAGIC_N_OFFSET) == FSEG_MAGIC_N
}
