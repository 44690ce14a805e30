package pages

import (
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 索引页面头，位于FIL_PAGE_DATA之后
const (
	PAGE_HEADER_OFFSET = common.FIL_PAGE_DATA

	PAGE_N_DIR_SLOTS = 0  // 2字节 页目录槽数
	PAGE_HEAP_TOP    = 2  // 2字节 堆顶，已用空间上界
	PAGE_N_HEAP      = 4  // 2字节 堆中记录数，最高位表示compact格式
	PAGE_FREE        = 6  // 2字节 删除记录链表头
	PAGE_GARBAGE     = 8  // 2字节 已删除记录占用的字节数
	PAGE_LAST_INSERT = 10 // 2字节 最近插入位置
	PAGE_DIRECTION   = 12 // 2字节 插入方向
	PAGE_N_DIRECTION = 14 // 2字节 同方向连续插入次数
	PAGE_N_RECS      = 16 // 2字节 用户记录数
	PAGE_MAX_TRX_ID  = 18 // 8字节 修改过本页的最大事务ID
	PAGE_LEVEL       = 26 // 2字节 树层级，叶子为0
	PAGE_INDEX_ID    = 28 // 8字节 索引ID

	// 仅根页有效的两个段头
	PAGE_BTR_SEG_LEAF = 36 // 10字节 叶子段
	PAGE_BTR_SEG_TOP  = 46 // 10字节 非叶子段

	// 段头内偏移: space(4) + page_no(4) + byte_offset(2)
	FSEG_HDR_SPACE   = 0
	FSEG_HDR_PAGE_NO = 4
	FSEG_HDR_OFFSET  = 8
	FSEG_HEADER_SIZE = 10

	// infimum/supremum 物理位置（compact格式，负载带2字节长度前缀）
	PAGE_INFIMUM_EXTRA  = PAGE_HEADER_OFFSET + common.PAGE_PAGE_HEADER_SIZE // 94
	PAGE_INFIMUM        = PAGE_INFIMUM_EXTRA + 5                            // 99
	PAGE_SUPREMUM_EXTRA = PAGE_INFIMUM + 10                                 // 109
	PAGE_SUPREMUM       = PAGE_SUPREMUM_EXTRA + 5                           // 114
	PAGE_DATA_START     = PAGE_SUPREMUM + 10                                // 124

	// 页目录槽宽度，从页尾（尾部trailer之前）向下生长
	PAGE_DIR_SLOT_SIZE = 2

	// N_HEAP字段的compact格式标志位
	PAGE_HEAP_NO_COMPACT_BIT = 0x8000
)

// PageHeaderField 页头字段的绝对偏移
func PageHeaderField(field uint32) uint32 {
	return PAGE_HEADER_OFFSET + field
}

// GetNDirSlots 页目录槽数
func GetNDirSlots(page []byte) uint16 {
	return util.GetUB2(page, PageHeaderField(PAGE_N_DIR_SLOTS))
}

// GetHeapTop 堆顶偏移
func GetHeapTop(page []byte) uint16 {
	return util.GetUB2(page, PageHeaderField(PAGE_HEAP_TOP))
}

// GetNHeap 堆记录数（去掉compact标志位）
func GetNHeap(page []byte) uint16 {
	return util.GetUB2(page, PageHeaderField(PAGE_N_HEAP)) &^ PAGE_HEAP_NO_COMPACT_BIT
}

// IsCompact 是否为compact格式页面
func IsCompact(page []byte) bool {
	return util.GetUB2(page, PageHeaderField(PAGE_N_HEAP))&PAGE_HEAP_NO_COMPACT_BIT != 0
}

// GetFree 删除链表头（页内偏移，0表示空）
func GetFree(page []byte) uint16 {
	return util.GetUB2(page, PageHeaderField(PAGE_FREE))
}

// GetGarbage 垃圾字节数
func GetGarbage(page []byte) uint16 {
	return util.GetUB2(page, PageHeaderField(PAGE_GARBAGE))
}

// GetNRecs 用户记录数
func GetNRecs(page []byte) uint16 {
	return util.GetUB2(page, PageHeaderField(PAGE_N_RECS))
}

// GetLevel 树层级
func GetLevel(page []byte) uint16 {
	return util.GetUB2(page, PageHeaderField(PAGE_LEVEL))
}

// GetIndexId 索引ID
func GetIndexId(page []byte) uint64 {
	return util.GetUB8(page, PageHeaderField(PAGE_INDEX_ID))
}

// GetMaxTrxId 页面最大事务ID
func GetMaxTrxId(page []byte) uint64 {
	return util.GetUB8(page, PageHeaderField(PAGE_MAX_TRX_ID))
}

// DirSlotOffset 第n个目录槽的页内偏移，槽0最靠近页尾
func DirSlotOffset(pageSize uint32, n uint16) uint32 {
	return pageSize - common.PAGE_FILE_TRAILER_SIZE - uint32(n+1)*PAGE_DIR_SLOT_SIZE
}

// GetDirSlot 读取第n个目录槽指向的记录偏移
func GetDirSlot(page []byte, n uint16) uint16 {
	return util.GetUB2(page, DirSlotOffset(uint32(len(page)), n))
}

// SetDirSlotRaw 直接写目录槽（重做日志由调用方的mtr负责）
func SetDirSlotRaw(page []byte, n uint16, recOffset uint16) {
	util.PutUB2(page, DirSlotOffset(uint32(len(page)), n), recOffset)
}
