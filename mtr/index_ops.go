package mtr

import (
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// IndexOpBuilder 索引页编辑程序构造器。
// 每个子操作即时作用到页面（与恢复重放共用同一执行逻辑），
// Finish时把整个程序作为一条MLOG_REDO_INDEX记录并入mtr日志。
type IndexOpBuilder struct {
	m     *Mtr
	frame *buffer_pool.Frame
	prog  []byte
	compact bool
}

// IndexOps 开始在frame上构造索引页编辑程序
func (m *Mtr) IndexOps(f *buffer_pool.Frame, compact bool) *IndexOpBuilder {
	return &IndexOpBuilder{m: m, frame: f, compact: compact}
}

func (b *IndexOpBuilder) apply(op []byte) {
	if err := redo.ApplyIndexProgramBytes(b.frame.Data(), op); err != nil {
		logger.Fatalf("索引页子操作执行失败: %v", err)
	}
	b.prog = append(b.prog, op...)
}

// SetOffset 设置页内游标
func (b *IndexOpBuilder) SetOffset(offset uint16) *IndexOpBuilder {
	op := []byte{redo.KEY_OP_OFFSET}
	op = util.WriteUB2(op, offset)
	b.apply(op)
	return b
}

// Shift 从游标起整体移动shift个字节
func (b *IndexOpBuilder) Shift(shift int16) *IndexOpBuilder {
	op := []byte{redo.KEY_OP_SHIFT}
	op = util.WriteUB2(op, uint16(shift))
	b.apply(op)
	return b
}

// Change 覆盖写游标处的字节
func (b *IndexOpBuilder) Change(data []byte) *IndexOpBuilder {
	op := []byte{redo.KEY_OP_CHANGE}
	op = util.WriteUB2(op, uint16(len(data)))
	op = append(op, data...)
	b.apply(op)
	return b
}

// AddPrefix 在游标处腾出insertLen字节并改写前changeLen字节
func (b *IndexOpBuilder) AddPrefix(insertLen uint16, change []byte) *IndexOpBuilder {
	op := []byte{redo.KEY_OP_ADD_PREFIX}
	op = util.WriteUB2(op, insertLen)
	op = util.WriteUB2(op, uint16(len(change)))
	op = append(op, change...)
	b.apply(op)
	return b
}

// DelPrefix 删除游标处的length字节
func (b *IndexOpBuilder) DelPrefix(length uint16) *IndexOpBuilder {
	op := []byte{redo.KEY_OP_DEL_PREFIX}
	op = util.WriteUB2(op, length)
	b.apply(op)
	return b
}

// AddSuffix 在游标处追加字节并前移游标
func (b *IndexOpBuilder) AddSuffix(data []byte) *IndexOpBuilder {
	op := []byte{redo.KEY_OP_ADD_SUFFIX}
	op = util.WriteUB2(op, uint16(len(data)))
	op = append(op, data...)
	b.apply(op)
	return b
}

// DelSuffix 截掉length字节后缀
func (b *IndexOpBuilder) DelSuffix(length uint16) *IndexOpBuilder {
	op := []byte{redo.KEY_OP_DEL_SUFFIX}
	op = util.WriteUB2(op, length)
	b.apply(op)
	return b
}

// Finish 把程序并入mtr日志缓冲
func (b *IndexOpBuilder) Finish() {
	if len(b.prog) == 0 {
		return
	}
	if b.m.logMode == MTR_LOG_ALL {
		recType := uint8(redo.MLOG_REDO_INDEX)
		if b.compact {
			recType |= redo.MLOG_COMP_FLAG
		}
		b.m.logBuf = redo.AppendRecordHeader(b.m.logBuf, recType, b.frame.SpaceId(), b.frame.PageNo())
		b.m.logBuf = util.WriteUB2(b.m.logBuf, uint16(len(b.prog)))
		b.m.logBuf = append(b.m.logBuf, b.prog...)
	}
	b.m.markDirty(b.frame)
}
