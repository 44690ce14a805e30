// Package mtr 实现mini-transaction：一次原子页面修改的latch memo、
// 重做日志缓冲与提交协议
package mtr

import (
	"github.com/zhukovaskychina/xinnodb-engine/buffer_pool"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/redo"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// LogMode 日志模式
type LogMode int

const (
	MTR_LOG_ALL LogMode = iota
	MTR_LOG_NONE
	MTR_LOG_NO_REDO
)

type memoEntry struct {
	frame     *buffer_pool.Frame
	latchMode buffer_pool.LatchMode
}

// Mtr 短生命周期的修改上下文：操作过程中固定页面并累积重做记录，
// 提交时一次性并入全局日志并按LIFO释放全部latch。
// 产生过日志的mtr必须提交，不允许半途放弃。
type Mtr struct {
	pool *buffer_pool.BufferPool
	log  *redo.Log

	memo    []memoEntry
	logBuf  []byte
	logMode LogMode

	startLsn common.LSNT
	endLsn   common.LSNT

	modifications bool
	dirty         map[*buffer_pool.Frame]bool
	committed     bool
}

// Start 开启一个mtr
func Start(pool *buffer_pool.BufferPool, log *redo.Log) *Mtr {
	return &Mtr{
		pool:    pool,
		log:     log,
		logMode: MTR_LOG_ALL,
		dirty:   make(map[*buffer_pool.Frame]bool),
	}
}

// SetLogMode 调整日志模式，只允许在产生修改前调整
func (m *Mtr) SetLogMode(mode LogMode) {
	if m.modifications {
		logger.Fatalf("mtr已产生修改, 不允许切换日志模式")
	}
	m.logMode = mode
}

// GetPage 获取页面并登记到memo
func (m *Mtr) GetPage(spaceId uint32, pageNo uint32, latchMode buffer_pool.LatchMode, mode buffer_pool.GetMode) (*buffer_pool.Frame, error) {
	f, err := m.pool.GetPage(spaceId, pageNo, latchMode, mode)
	if err != nil || f == nil {
		return f, err
	}
	m.memo = append(m.memo, memoEntry{frame: f, latchMode: latchMode})
	return f, nil
}

// CreatePage 新建页面（不读盘），写初始化重做记录并登记memo
func (m *Mtr) CreatePage(spaceId uint32, pageNo uint32, pageType uint16) (*buffer_pool.Frame, error) {
	f, err := m.pool.CreatePage(spaceId, pageNo)
	if err != nil {
		return nil, err
	}
	m.memo = append(m.memo, memoEntry{frame: f, latchMode: buffer_pool.RW_X_LATCH})

	// 页面初始化本身也要可重做
	util.PutUB4(f.Data(), common.FIL_PAGE_OFFSET, pageNo)
	util.PutUB4(f.Data(), common.FIL_PAGE_PREV, common.FIL_NULL)
	util.PutUB4(f.Data(), common.FIL_PAGE_NEXT, common.FIL_NULL)
	util.PutUB2(f.Data(), common.FIL_PAGE_TYPE, pageType)
	util.PutUB4(f.Data(), common.FIL_PAGE_ARCH_LOG_NO, spaceId)
	if m.logMode == MTR_LOG_ALL {
		m.logBuf = redo.AppendRecordHeader(m.logBuf, redo.MLOG_PAGE_CREATE, spaceId, pageNo)
		m.logBuf = util.WriteUB2(m.logBuf, pageType)
	}
	m.markDirty(f)
	return f, nil
}

// PushMemo 把外部（乐观重定位等）已固定的帧登记进memo
func (m *Mtr) PushMemo(f *buffer_pool.Frame, latchMode buffer_pool.LatchMode) {
	m.memo = append(m.memo, memoEntry{frame: f, latchMode: latchMode})
}

func (m *Mtr) markDirty(f *buffer_pool.Frame) {
	m.modifications = true
	m.dirty[f] = true
	f.BumpModifyClock()
}

// Write1 写页面单字节并记录重做
func (m *Mtr) Write1(f *buffer_pool.Frame, offset uint32, val uint8) {
	f.Data()[offset] = val
	if m.logMode == MTR_LOG_ALL {
		m.logBuf = redo.AppendRecordHeader(m.logBuf, redo.MLOG_1BYTE, f.SpaceId(), f.PageNo())
		m.logBuf = redo.WriteCompressed(m.logBuf, offset)
		m.logBuf = redo.WriteCompressed(m.logBuf, uint32(val))
	}
	m.markDirty(f)
}

// Write2 写页面2字节并记录重做
func (m *Mtr) Write2(f *buffer_pool.Frame, offset uint32, val uint16) {
	util.PutUB2(f.Data(), offset, val)
	if m.logMode == MTR_LOG_ALL {
		m.logBuf = redo.AppendRecordHeader(m.logBuf, redo.MLOG_2BYTES, f.SpaceId(), f.PageNo())
		m.logBuf = redo.WriteCompressed(m.logBuf, offset)
		m.logBuf = redo.WriteCompressed(m.logBuf, uint32(val))
	}
	m.markDirty(f)
}

// Write4 写页面4字节并记录重做
func (m *Mtr) Write4(f *buffer_pool.Frame, offset uint32, val uint32) {
	util.PutUB4(f.Data(), offset, val)
	if m.logMode == MTR_LOG_ALL {
		m.logBuf = redo.AppendRecordHeader(m.logBuf, redo.MLOG_4BYTES, f.SpaceId(), f.PageNo())
		m.logBuf = redo.WriteCompressed(m.logBuf, offset)
		m.logBuf = redo.WriteCompressed(m.logBuf, val)
	}
	m.markDirty(f)
}

// Write8 写页面8字节并记录重做
func (m *Mtr) Write8(f *buffer_pool.Frame, offset uint32, val uint64) {
	util.PutUB8(f.Data(), offset, val)
	if m.logMode == MTR_LOG_ALL {
		m.logBuf = redo.AppendRecordHeader(m.logBuf, redo.MLOG_8BYTES, f.SpaceId(), f.PageNo())
		m.logBuf = redo.WriteCompressed(m.logBuf, offset)
		m.logBuf = redo.WriteCompressedU64(m.logBuf, val)
	}
	m.markDirty(f)
}

// WriteBytes 写页面字节串并记录重做
func (m *Mtr) WriteBytes(f *buffer_pool.Frame, offset uint32, data []byte) {
	copy(f.Data()[offset:int(offset)+len(data)], data)
	if m.logMode == MTR_LOG_ALL {
		m.logBuf = redo.AppendRecordHeader(m.logBuf, redo.MLOG_WRITE_STRING, f.SpaceId(), f.PageNo())
		m.logBuf = redo.WriteCompressed(m.logBuf, offset)
		m.logBuf = redo.WriteCompressed(m.logBuf, uint32(len(data)))
		m.logBuf = append(m.logBuf, data...)
	}
	m.markDirty(f)
}

// LogBitmapNewPage 记录位图页初始化
func (m *Mtr) LogBitmapNewPage(f *buffer_pool.Frame, firstPage uint32, lastPage uint32) {
	if m.logMode == MTR_LOG_ALL {
		m.logBuf = redo.AppendRecordHeader(m.logBuf, redo.MLOG_BITMAP_NEW_PAGE, f.SpaceId(), f.PageNo())
		m.logBuf = util.WriteUB4(m.logBuf, firstPage)
		m.logBuf = util.WriteUB4(m.logBuf, lastPage)
	}
	m.markDirty(f)
}

// HasModifications 是否产生过已记日志的修改
func (m *Mtr) HasModifications() bool {
	return m.modifications
}

// StartLSN 提交后有效
func (m *Mtr) StartLSN() common.LSNT { return m.startLsn }

// EndLSN 提交后有效
func (m *Mtr) EndLSN() common.LSNT { return m.endLsn }

// Commit 提交：重做记录并入全局日志取得[start,end)，
// 对每个脏帧推进修改水位并挂flush链表，再按LIFO释放latch
func (m *Mtr) Commit() {
	if m.committed {
		logger.Fatalf("mtr重复提交")
	}
	m.committed = true

	if m.modifications && len(m.logBuf) > 0 && m.logMode == MTR_LOG_ALL {
		if m.log == nil {
			logger.Fatalf("产生了重做记录的mtr没有日志对象")
		}
		m.startLsn, m.endLsn = m.log.Append(m.logBuf)
		for f := range m.dirty {
			m.pool.SetModified(f, m.startLsn, m.endLsn)
		}
	}
	m.releaseAll()
}

// CommitNoModify 只读mtr的提交：不允许存在日志
func (m *Mtr) CommitNoModify() {
	if len(m.logBuf) > 0 {
		logger.Fatalf("携带日志的mtr不允许以只读方式提交")
	}
	m.committed = true
	m.releaseAll()
}

func (m *Mtr) releaseAll() {
	for i := len(m.memo) - 1; i >= 0; i-- {
		e := m.memo[i]
		m.pool.Release(e.frame, e.latchMode)
	}
	m.memo = nil
}
