package pages

import (
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// undo日志页面布局
const (
	// 页头，每个undo页都有
	TRX_UNDO_PAGE_HDR = common.FIL_PAGE_DATA

	TRX_UNDO_PAGE_TYPE  = 0 // 2字节 insert/update
	TRX_UNDO_PAGE_START = 2 // 2字节 本页中最新undo日志的起点
	TRX_UNDO_PAGE_FREE  = 4 // 2字节 本页空闲空间起点
	TRX_UNDO_PAGE_NODE  = 6 // 12字节 undo页面链表节点

	TRX_UNDO_PAGE_HDR_SIZE = 6 + FLST_NODE_SIZE

	// 段头，只在undo段的首页
	TRX_UNDO_SEG_HDR = TRX_UNDO_PAGE_HDR + TRX_UNDO_PAGE_HDR_SIZE

	TRX_UNDO_STATE       = 0 // 2字节 段状态
	TRX_UNDO_LAST_LOG    = 2 // 2字节 最后一个undo日志头的页内偏移
	TRX_UNDO_FSEG_HEADER = 4 // 10字节 段头
	TRX_UNDO_PAGE_LIST   = 14 // 16字节 undo页面链表基节点

	TRX_UNDO_SEG_HDR_SIZE = 14 + FLST_BASE_NODE_SIZE

	// undo日志头
	TRX_UNDO_TRX_ID    = 0  // 8字节 事务ID
	TRX_UNDO_TRX_NO    = 8  // 8字节 提交序号
	TRX_UNDO_DEL_MARKS = 16 // 2字节 是否包含删除标记
	TRX_UNDO_LOG_START = 18 // 2字节 日志记录起点
	TRX_UNDO_NEXT_LOG  = 20 // 2字节 下一个日志头
	TRX_UNDO_PREV_LOG  = 22 // 2字节 上一个日志头
	TRX_UNDO_HISTORY_NODE = 24 // 12字节 历史链表节点

	TRX_UNDO_LOG_HDR_SIZE = 24 + FLST_NODE_SIZE
)

// undo页类型
const (
	TRX_UNDO_INSERT = 1
	TRX_UNDO_UPDATE = 2
)

// undo段状态
const (
	TRX_UNDO_ACTIVE         = 1 // 活跃事务正在写
	TRX_UNDO_CACHED         = 2 // 可复用
	TRX_UNDO_TO_FREE        = 3 // insert undo，提交后可释放
	TRX_UNDO_TO_PURGE       = 4 // update undo，等待purge
	TRX_UNDO_PREPARED_STATE = 5
)

// UndoPageGetType 页面undo类型
func UndoPageGetType(page []byte) uint16 {
	return util.GetUB2(page, TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_TYPE)
}

// UndoPageGetStart 最新日志起点
func UndoPageGetStart(page []byte) uint16 {
	return util.GetUB2(page, TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_START)
}

// UndoPageGetFree 空闲空间起点
func UndoPageGetFree(page []byte) uint16 {
	return util.GetUB2(page, TRX_UNDO_PAGE_HDR+TRX_UNDO_PAGE_FREE)
}

// UndoSegGetState undo段状态
func UndoSegGetState(page []byte) uint16 {
	return util.GetUB2(page, TRX_UNDO_SEG_HDR+TRX_UNDO_STATE)
}

// UndoSegGetLastLog 最后一个日志头偏移
func UndoSegGetLastLog(page []byte) uint16 {
	return util.GetUB2(page, TRX_UNDO_SEG_HDR+TRX_UNDO_LAST_LOG)
}
