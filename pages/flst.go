package pages

import (
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 文件驻留链表：基节点与普通节点都存放在页面内部，
// 用(页号,页内偏移)的6字节文件地址互相串联。
// FSP的区链表、inode链表、undo页面链表都构建在它之上。

const (
	FLST_BASE_NODE_SIZE = 16
	FLST_NODE_SIZE      = 12

	// 基节点内偏移
	FLST_LEN   = 0 // 4字节 链表长度
	FLST_FIRST = 4 // 6字节 首节点地址
	FLST_LAST  = 10 // 6字节 尾节点地址

	// 节点内偏移
	FLST_PREV = 0 // 6字节
	FLST_NEXT = 6 // 6字节
)

// WriteFilAddr 在页面offset处写6字节文件地址
func WriteFilAddr(page []byte, offset uint32, addr common.FilAddr) {
	util.PutUB4(page, offset, addr.PageNo)
	util.PutUB2(page, offset+4, addr.Boffset)
}

// ReadFilAddr 从页面offset处读6字节文件地址
func ReadFilAddr(page []byte, offset uint32) common.FilAddr {
	return common.FilAddr{
		PageNo:  util.GetUB4(page, offset),
		Boffset: util.GetUB2(page, offset+4),
	}
}

// FlstInitBase 初始化基节点为空链表
func FlstInitBase(page []byte, baseOffset uint32) {
	util.PutUB4(page, baseOffset+FLST_LEN, 0)
	WriteFilAddr(page, baseOffset+FLST_FIRST, common.FilAddrNull())
	WriteFilAddr(page, baseOffset+FLST_LAST, common.FilAddrNull())
}

// FlstGetLen 链表长度
func FlstGetLen(page []byte, baseOffset uint32) uint32 {
	return util.GetUB4(page, baseOffset+FLST_LEN)
}

// FlstSetLen 设置链表长度
func FlstSetLen(page []byte, baseOffset uint32, n uint32) {
	util.PutUB4(page, baseOffset+FLST_LEN, n)
}

// FlstGetFirst 首节点地址
func FlstGetFirst(page []byte, baseOffset uint32) common.FilAddr {
	return ReadFilAddr(page, baseOffset+FLST_FIRST)
}

// FlstGetLast 尾节点地址
func FlstGetLast(page []byte, baseOffset uint32) common.FilAddr {
	return ReadFilAddr(page, baseOffset+FLST_LAST)
}

// FlstSetFirst 设置首节点地址
func FlstSetFirst(page []byte, baseOffset uint32, addr common.FilAddr) {
	WriteFilAddr(page, baseOffset+FLST_FIRST, addr)
}

// FlstSetLast 设置尾节点地址
func FlstSetLast(page []byte, baseOffset uint32, addr common.FilAddr) {
	WriteFilAddr(page, baseOffset+FLST_LAST, addr)
}

// FlstNodeGetPrev 节点的前驱地址
func FlstNodeGetPrev(page []byte, nodeOffset uint32) common.FilAddr {
	return ReadFilAddr(page, nodeOffset+FLST_PREV)
}

// FlstNodeGetNext 节点的后继地址
func FlstNodeGetNext(page []byte, nodeOffset uint32) common.FilAddr {
	return ReadFilAddr(page, nodeOffset+FLST_NEXT)
}

// FlstNodeSetPrev 设置节点前驱
func FlstNodeSetPrev(page []byte, nodeOffset uint32, addr common.FilAddr) {
	WriteFilAddr(page, nodeOffset+FLST_PREV, addr)
}

// FlstNodeSetNext 设置节点后继
func FlstNodeSetNext(page []byte, nodeOffset uint32, addr common.FilAddr) {
	WriteFilAddr(page, nodeOffset+FLST_NEXT, addr)
}
