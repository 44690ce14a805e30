package redo

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// ApplyRecord 把一条日志记录重放到页面上。
// 按记录出现顺序逐条应用即可逐字节复原页面（恢复扫描循环由上层实现）。
func ApplyRecord(page []byte, rec *Record) error {
	body := rec.Body
	switch rec.Type {
	case MLOG_1BYTE, MLOG_2BYTES, MLOG_4BYTES:
		offset, n, err := ReadCompressed(body, 0)
		if err != nil {
			return err
		}
		val, _, err := ReadCompressed(body, n)
		if err != nil {
			return err
		}
		switch rec.Type {
		case MLOG_1BYTE:
			page[offset] = byte(val)
		case MLOG_2BYTES:
			util.PutUB2(page, offset, uint16(val))
		case MLOG_4BYTES:
			util.PutUB4(page, offset, val)
		}
	case MLOG_8BYTES:
		offset, n, err := ReadCompressed(body, 0)
		if err != nil {
			return err
		}
		val, _, err := ReadCompressedU64(body, n)
		if err != nil {
			return err
		}
		util.PutUB8(page, offset, val)
	case MLOG_WRITE_STRING:
		offset, n1, err := ReadCompressed(body, 0)
		if err != nil {
			return err
		}
		dataLen, n2, err := ReadCompressed(body, n1)
		if err != nil {
			return err
		}
		copy(page[offset:offset+dataLen], body[n1+n2:n1+n2+int(dataLen)])
	case MLOG_REDO_INDEX:
		return applyIndexProgram(page, body)
	case MLOG_BITMAP_NEW_PAGE:
		// body: first_page u32, last_page u32；位图区域清零
		first := util.GetUB4(body, 0)
		last := util.GetUB4(body, 4)
		_ = first
		_ = last
		for i := common.FIL_PAGE_DATA; i < len(page)-common.PAGE_FILE_TRAILER_SIZE; i++ {
			page[i] = 0
		}
	case MLOG_PAGE_CREATE:
		pageType := util.GetUB2(body, 0)
		for i := range page {
			page[i] = 0
		}
		util.PutUB4(page, common.FIL_PAGE_OFFSET, rec.PageNo)
		util.PutUB4(page, common.FIL_PAGE_PREV, common.FIL_NULL)
		util.PutUB4(page, common.FIL_PAGE_NEXT, common.FIL_NULL)
		util.PutUB2(page, common.FIL_PAGE_TYPE, pageType)
		util.PutUB4(page, common.FIL_PAGE_ARCH_LOG_NO, rec.SpaceId)
	default:
		return errors.Errorf("无法应用的日志记录类型%d", rec.Type)
	}
	return nil
}

func applyIndexProgram(page []byte, body []byte) error {
	// body前2字节为程序长度
	return ApplyIndexProgramBytes(page, body[2:])
}

// ApplyIndexProgramBytes 执行索引页编辑子操作序列。
// mtr的程序构造器与恢复重放共用这一份执行逻辑，保证逐字节一致。
// 所有子操作共享一个由KEY_OP_OFFSET设置的页内游标。
func ApplyIndexProgramBytes(page []byte, prog []byte) error {
	var offset uint32
	pos := 0
	for pos < len(prog) {
		op := prog[pos]
		pos++
		switch op {
		case KEY_OP_OFFSET:
			offset = uint32(util.GetUB2(prog, uint32(pos)))
			pos += 2
		case KEY_OP_SHIFT:
			shift := int16(util.GetUB2(prog, uint32(pos)))
			pos += 2
			end := len(page) - common.PAGE_FILE_TRAILER_SIZE
			if shift > 0 {
				copy(page[int(offset)+int(shift):end], page[offset:end-int(shift)])
			} else {
				copy(page[offset:], page[int(offset)-int(shift):end])
			}
		case KEY_OP_CHANGE:
			l := int(util.GetUB2(prog, uint32(pos)))
			pos += 2
			copy(page[offset:int(offset)+l], prog[pos:pos+l])
			pos += l
		case KEY_OP_ADD_PREFIX:
			insertLen := int(util.GetUB2(prog, uint32(pos)))
			changeLen := int(util.GetUB2(prog, uint32(pos+2)))
			pos += 4
			end := len(page) - common.PAGE_FILE_TRAILER_SIZE
			copy(page[int(offset)+insertLen:end], page[offset:end-insertLen])
			copy(page[offset:int(offset)+changeLen], prog[pos:pos+changeLen])
			pos += changeLen
		case KEY_OP_DEL_PREFIX:
			l := int(util.GetUB2(prog, uint32(pos)))
			pos += 2
			end := len(page) - common.PAGE_FILE_TRAILER_SIZE
			copy(page[offset:], page[int(offset)+l:end])
		case KEY_OP_ADD_SUFFIX:
			l := int(util.GetUB2(prog, uint32(pos)))
			pos += 2
			copy(page[offset:int(offset)+l], prog[pos:pos+l])
			offset += uint32(l)
			pos += l
		case KEY_OP_DEL_SUFFIX:
			// 长度记录在案即可，后缀区域视为失效
			pos += 2
		default:
			return errors.Errorf("未知的索引页子操作%d", op)
		}
	}
	return nil
}
