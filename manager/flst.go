package manager

import (
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/mtr"
	"github.com/zhukovaskychina/xinnodb-engine/pages"
)

// 文件驻留链表的mtr化操作：所有字节修改都经由mtr记重做。
// 链表节点分布在任意页面上，需要的页面在调用方的mtr里按需取X latch。

// writeFilAddrLogged 记日志地写6字节文件地址
func writeFilAddrLogged(m *mtr.Mtr, f *buffer_pool.Frame, offset uint32, addr common.FilAddr) {
	m.Write4(f, offset, addr.PageNo)
	m.Write2(f, offset+4, addr.Boffset)
}

// flstInitBase 初始化空链表基节点
func flstInitBase(m *mtr.Mtr, f *buffer_pool.Frame, baseOffset uint32) {
	m.Write4(f, baseOffset+pages.FLST_LEN, 0)
	writeFilAddrLogged(m, f, baseOffset+pages.FLST_FIRST, common.FilAddrNull())
	writeFilAddrLogged(m, f, baseOffset+pages.FLST_LAST, common.FilAddrNull())
}

// flstAddLast 把节点追加到链表尾
func (sm *SpaceManager) flstAddLast(m *mtr.Mtr, spaceId uint32, baseF *buffer_pool.Frame, baseOff uint32, nodeF *buffer_pool.Frame, nodeOff uint32) error {
	nodeAddr := common.FilAddr{PageNo: nodeF.PageNo(), Boffset: uint16(nodeOff)}
	last := pages.FlstGetLast(baseF.Data(), baseOff)

	writeFilAddrLogged(m, nodeF, nodeOff+pages.FLST_PREV, last)
	writeFilAddrLogged(m, nodeF, nodeOff+pages.FLST_NEXT, common.FilAddrNull())

	if last.IsNull() {
		writeFilAddrLogged(m, baseF, baseOff+pages.FLST_FIRST, nodeAddr)
	} else {
		lastF, err := m.GetPage(spaceId, last.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
		writeFilAddrLogged(m, lastF, uint32(last.Boffset)+pages.FLST_NEXT, nodeAddr)
	}
	writeFilAddrLogged(m, baseF, baseOff+pages.FLST_LAST, nodeAddr)
	m.Write4(baseF, baseOff+pages.FLST_LEN, pages.FlstGetLen(baseF.Data(), baseOff)+1)
	return nil
}

// flstRemove 把节点从链表摘除
func (sm *SpaceManager) flstRemove(m *mtr.Mtr, spaceId uint32, baseF *buffer_pool.Frame, baseOff uint32, nodeF *buffer_pool.Frame, nodeOff uint32) error {
	prev := pages.FlstNodeGetPrev(nodeF.Data(), nodeOff)
	next := pages.FlstNodeGetNext(nodeF.Data(), nodeOff)

	if prev.IsNull() {
		writeFilAddrLogged(m, baseF, baseOff+pages.FLST_FIRST, next)
	} else {
		prevF, err := m.GetPage(spaceId, prev.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
		writeFilAddrLogged(m, prevF, uint32(prev.Boffset)+pages.FLST_NEXT, next)
	}
	if next.IsNull() {
		writeFilAddrLogged(m, baseF, baseOff+pages.FLST_LAST, prev)
	} else {
		nextF, err := m.GetPage(spaceId, next.PageNo, buffer_pool.RW_X_LATCH, buffer_pool.BUF_GET)
		if err != nil {
			return err
		}
		writeFilAddrLogged(m, nextF, uint32(next.Boffset)+pages.FLST_PREV, prev)
	}
	m.Write4(baseF, baseOff+pages.FLST_LEN, pages.FlstGetLen(baseF.Data(), baseOff)-1)
	return nil
}
