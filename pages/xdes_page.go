package pages

import (
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// XDES entry，每个Entry占用40个字节，一个Entry对应一个extent。
// XDES页面按固定周期分布：页号0, pageSize, 2*pageSize ...
// （每个描述符页描述XdesPerPage个extent，即pageSize个页面）
// 0号页上的描述符数组紧跟在FSP头之后。
const (
	XDES_ID        = 0  // 8字节 归属段的段ID，state为FSEG时有效
	XDES_FLST_NODE = 8  // 12字节 同状态extent链表的双向节点
	XDES_STATE     = 20 // 4字节 extent状态
	XDES_BITMAP    = 24 // 16字节 128bit，每页2bit，第一位置位表示已用

	XDES_SIZE = 40

	// 描述符数组在页内的起始偏移
	XDES_ARR_OFFSET = FSP_HEADER_OFFSET + FSP_HEADER_SIZE
)

// extent状态
type XDESState uint32

const (
	XDES_NOT_INITED XDESState = 0
	XDES_FREE       XDESState = 1 // 挂在空闲链表
	XDES_FREE_FRAG  XDESState = 2 // 碎片区，有空闲页
	XDES_FULL_FRAG  XDESState = 3 // 碎片区，已满
	XDES_FSEG       XDESState = 4 // 归属某个段
)

// XdesPerPage 每个XDES页面覆盖的extent数
func XdesPerPage(pageSize uint32) uint32 {
	return pageSize / common.FSP_EXTENT_SIZE
}

// XdesCalcDescriptorPage extent描述符所在的页号
func XdesCalcDescriptorPage(pageSize uint32, pageNo uint32) uint32 {
	return pageNo - pageNo%pageSize
}

// XdesEntryOffset 页号对应的描述符在描述符页内的偏移
func XdesEntryOffset(pageSize uint32, pageNo uint32) uint32 {
	extentIdx := (pageNo % pageSize) / common.FSP_EXTENT_SIZE
	return XDES_ARR_OFFSET + extentIdx*XDES_SIZE
}

// XdesGetState 读取extent状态
func XdesGetState(page []byte, entryOffset uint32) XDESState {
	return XDESState(util.GetUB4(page, entryOffset+XDES_STATE))
}

// XdesSetStateRaw 直接写extent状态（重做日志由调用方的mtr负责）
func XdesSetStateRaw(page []byte, entryOffset uint32, state XDESState) {
	util.PutUB4(page, entryOffset+XDES_STATE, uint32(state))
}

// XdesGetSegId 读取归属段ID
func XdesGetSegId(page []byte, entryOffset uint32) uint64 {
	return util.GetUB8(page, entryOffset+XDES_ID)
}

// XdesPageIsFree 位图中某页是否空闲
func XdesPageIsFree(page []byte, entryOffset uint32, idx int) bool {
	return !util.ReadBit2(page[entryOffset+XDES_BITMAP:entryOffset+XDES_BITMAP+16], idx)
}

// XdesSetPageUsedRaw 标记位图中某页已用/空闲
func XdesSetPageUsedRaw(page []byte, entryOffset uint32, idx int, used bool) {
	util.WriteBit2(page[entryOffset+XDES_BITMAP:entryOffset+XDES_BITMAP+16], idx, used)
}

// XdesFindFreePage 在位图中找第一个空闲页，找不到返回-1；
// hint偏好从指定下标开始搜索
func XdesFindFreePage(page []byte, entryOffset uint32, hint int) int {
	bitmap := page[entryOffset+XDES_BITMAP : entryOffset+XDES_BITMAP+16]
	for i := hint; i < common.FSP_EXTENT_SIZE; i++ {
		if !util.ReadBit2(bitmap, i) {
			return i
		}
	}
	for i := 0; i < hint; i++ {
		if !util.ReadBit2(bitmap, i) {
			return i
		}
	}
	return -1
}

// XdesNUsed 位图中已使用的页面数
func XdesNUsed(page []byte, entryOffset uint32) int {
	return util.CountBits2(page[entryOffset+XDES_BITMAP:entryOffset+XDES_BITMAP+16], common.FSP_EXTENT_SIZE)
}

// XdesIsFull extent是否已满
func XdesIsFull(page []byte, entryOffset uint32) bool {
	return XdesNUsed(page, entryOffset) == common.FSP_EXTENT_SIZE
}
