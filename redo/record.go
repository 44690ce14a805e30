// Package redo 实现重做日志：LSN空间、组提交刷盘、checkpoint与记录编码
package redo

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 日志记录类型
const (
	MLOG_1BYTE        = 1
	MLOG_2BYTES       = 2
	MLOG_4BYTES       = 4
	MLOG_8BYTES       = 8
	MLOG_WRITE_STRING = 30
	// 索引页编辑程序，body为一串子操作
	MLOG_REDO_INDEX = 38
	// 位图页初始化
	MLOG_BITMAP_NEW_PAGE = 39
	// 页面新建（重做时将页面清零并写入类型）
	MLOG_PAGE_CREATE = 40

	// compact格式索引记录的family位
	MLOG_COMP_FLAG = 0x80
)

// 索引页编辑程序的子操作
const (
	KEY_OP_OFFSET     = 1 // u16 设置页内游标
	KEY_OP_SHIFT      = 2 // i16 从游标起整体移动
	KEY_OP_CHANGE     = 3 // u16长度+内容 覆盖写
	KEY_OP_ADD_PREFIX = 4 // u16插入长度 u16改写长度+内容
	KEY_OP_DEL_PREFIX = 5 // u16
	KEY_OP_ADD_SUFFIX = 6 // u16+内容
	KEY_OP_DEL_SUFFIX = 7 // u16
)

var ErrIncompleteRecord = errors.New("redo record incomplete")

// WriteCompressed 压缩u32编码：
// <0x80一字节；<0x4000两字节0x8000|v；<0x200000三字节0xC00000|v；
// <0x10000000四字节0xE0000000|v；否则0xF0前缀加4字节
func WriteCompressed(buf []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(buf, byte(v))
	case v < 0x4000:
		return append(buf, byte(0x80|(v>>8)), byte(v))
	case v < 0x200000:
		return append(buf, byte(0xC0|(v>>16)), byte(v>>8), byte(v))
	case v < 0x10000000:
		return append(buf, byte(0xE0|(v>>24)), byte(v>>16), byte(v>>8), byte(v))
	default:
		buf = append(buf, 0xF0)
		return util.WriteUB4(buf, v)
	}
}

// ReadCompressed 解码压缩u32，返回值与消费的字节数
func ReadCompressed(buf []byte, pos int) (uint32, int, error) {
	if pos >= len(buf) {
		return 0, 0, ErrIncompleteRecord
	}
	b := buf[pos]
	switch {
	case b < 0x80:
		return uint32(b), 1, nil
	case b < 0xC0:
		if pos+2 > len(buf) {
			return 0, 0, ErrIncompleteRecord
		}
		return uint32(b&0x3F)<<8 | uint32(buf[pos+1]), 2, nil
	case b < 0xE0:
		if pos+3 > len(buf) {
			return 0, 0, ErrIncompleteRecord
		}
		return uint32(b&0x1F)<<16 | uint32(buf[pos+1])<<8 | uint32(buf[pos+2]), 3, nil
	case b < 0xF0:
		if pos+4 > len(buf) {
			return 0, 0, ErrIncompleteRecord
		}
		return uint32(b&0x0F)<<24 | uint32(buf[pos+1])<<16 | uint32(buf[pos+2])<<8 | uint32(buf[pos+3]), 4, nil
	default:
		if pos+5 > len(buf) {
			return 0, 0, ErrIncompleteRecord
		}
		return util.GetUB4(buf, uint32(pos+1)), 5, nil
	}
}

// WriteCompressedU64 高32位压缩编码，低32位定长
func WriteCompressedU64(buf []byte, v uint64) []byte {
	buf = WriteCompressed(buf, uint32(v>>32))
	return util.WriteUB4(buf, uint32(v))
}

// ReadCompressedU64 解码压缩u64
func ReadCompressedU64(buf []byte, pos int) (uint64, int, error) {
	hi, n, err := ReadCompressed(buf, pos)
	if err != nil {
		return 0, 0, err
	}
	if pos+n+4 > len(buf) {
		return 0, 0, ErrIncompleteRecord
	}
	lo := util.GetUB4(buf, uint32(pos+n))
	return uint64(hi)<<32 | uint64(lo), n + 4, nil
}

// Record 解析后的一条日志记录
type Record struct {
	Type    uint8
	Compact bool
	SpaceId uint32
	PageNo  uint32
	Body    []byte
}

// AppendRecordHeader 追加记录头: 类型 + 压缩space + 压缩page_no
func AppendRecordHeader(buf []byte, recType uint8, spaceId uint32, pageNo uint32) []byte {
	buf = append(buf, recType)
	buf = WriteCompressed(buf, spaceId)
	return WriteCompressed(buf, pageNo)
}

// bodyLen 返回记录body的长度，数据不足返回ErrIncompleteRecord
func bodyLen(recType uint8, buf []byte, pos int) (int, error) {
	switch recType {
	case MLOG_1BYTE, MLOG_2BYTES, MLOG_4BYTES:
		// 压缩offset + 压缩value
		_, n1, err := ReadCompressed(buf, pos)
		if err != nil {
			return 0, err
		}
		_, n2, err := ReadCompressed(buf, pos+n1)
		if err != nil {
			return 0, err
		}
		return n1 + n2, nil
	case MLOG_8BYTES:
		_, n1, err := ReadCompressed(buf, pos)
		if err != nil {
			return 0, err
		}
		_, n2, err := ReadCompressedU64(buf, pos+n1)
		if err != nil {
			return 0, err
		}
		return n1 + n2, nil
	case MLOG_WRITE_STRING:
		off, n1, err := ReadCompressed(buf, pos)
		if err != nil {
			return 0, err
		}
		_ = off
		dataLen, n2, err := ReadCompressed(buf, pos+n1)
		if err != nil {
			return 0, err
		}
		if pos+n1+n2+int(dataLen) > len(buf) {
			return 0, ErrIncompleteRecord
		}
		return n1 + n2 + int(dataLen), nil
	case MLOG_REDO_INDEX:
		// u16 body长度前缀
		if pos+2 > len(buf) {
			return 0, ErrIncompleteRecord
		}
		n := int(util.GetUB2(buf, uint32(pos)))
		if pos+2+n > len(buf) {
			return 0, ErrIncompleteRecord
		}
		return 2 + n, nil
	case MLOG_BITMAP_NEW_PAGE:
		if pos+8 > len(buf) {
			return 0, ErrIncompleteRecord
		}
		return 8, nil
	case MLOG_PAGE_CREATE:
		if pos+2 > len(buf) {
			return 0, ErrIncompleteRecord
		}
		return 2, nil
	}
	return 0, errors.Errorf("未知的日志记录类型%d", recType)
}

// ParseRecord 从buf[pos:]解析一条记录。
// 返回记录与消费的字节数；数据不完整时返回ErrIncompleteRecord且n为0。
func ParseRecord(buf []byte, pos int) (*Record, int, error) {
	if pos >= len(buf) {
		return nil, 0, ErrIncompleteRecord
	}
	raw := buf[pos]
	recType := raw &^ MLOG_COMP_FLAG
	compact := raw&MLOG_COMP_FLAG != 0

	cur := pos + 1
	spaceId, n, err := ReadCompressed(buf, cur)
	if err != nil {
		return nil, 0, err
	}
	cur += n
	pageNo, n, err := ReadCompressed(buf, cur)
	if err != nil {
		return nil, 0, err
	}
	cur += n

	blen, err := bodyLen(recType, buf, cur)
	if err != nil {
		return nil, 0, err
	}
	rec := &Record{
		Type:    recType,
		Compact: compact,
		SpaceId: spaceId,
		PageNo:  pageNo,
		Body:    buf[cur : cur+blen],
	}
	return rec, cur + blen - pos, nil
}
