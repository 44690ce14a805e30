package redo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/latch"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// 每个日志文件的头部大小，checkpoint记录写在0号文件头内
const (
	LOG_FILE_HDR_SIZE = 2048

	// 0号文件头内的checkpoint槽位
	LOG_CHECKPOINT_OFFSET = 512

	// checkpoint记录字段
	LOG_CHECKPOINT_NO  = 0 // 8字节 序号
	LOG_CHECKPOINT_LSN = 8 // 8字节 重做起点
	LOG_CHECKPOINT_SUM = 16 // 4字节 校验

	// LSN从该值起步，0保留为"无"
	LOG_START_LSN = 16
)

// LogConfig 日志配置
type LogConfig struct {
	LogDir      string
	FileSize    uint64 // 单文件字节数，含头部
	FilesInGroup int
}

// Log 追加式重做日志。逻辑上是无限字节流，物理上由一组
// 循环使用的定长文件承载，调用方永远只看到LSN。
type Log struct {
	// 写入latch：序列化Append并分配LSN
	mu *latch.Mutex

	// 未落盘的日志缓冲
	buf         []byte
	bufStartLsn common.LSNT
	currentLsn  uint64 // atomic

	flushedLsn uint64 // atomic

	files    []*os.File
	fileSize uint64
	capacity uint64 // 数据区总容量

	// 组提交：同一时刻只有一个线程执行物理写，其余等待
	flushMu   sync.Mutex
	flushCond *sync.Cond
	flushing  bool

	checkpointNo  uint64
	checkpointLsn uint64 // atomic
}

// NewLog 打开或创建日志文件组
func NewLog(cfg *LogConfig) (*Log, error) {
	if cfg.FilesInGroup < 1 {
		cfg.FilesInGroup = 1
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	l := &Log{
		mu:       latch.NewMutex(latch.SYNC_LOG),
		fileSize: cfg.FileSize,
		capacity: uint64(cfg.FilesInGroup) * (cfg.FileSize - LOG_FILE_HDR_SIZE),
	}
	l.flushCond = sync.NewCond(&l.flushMu)
	for i := 0; i < cfg.FilesInGroup; i++ {
		f, err := os.OpenFile(logFilePath(cfg.LogDir, i), os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, errors.Annotatef(err, "打开日志文件%d失败", i)
		}
		if err := f.Truncate(int64(cfg.FileSize)); err != nil {
			return nil, errors.Trace(err)
		}
		l.files = append(l.files, f)
	}

	// 从checkpoint槽恢复LSN水位；全新文件组从LOG_START_LSN开始
	ckptLsn, ckptNo, err := l.readCheckpoint()
	if err != nil || ckptLsn == 0 {
		ckptLsn = LOG_START_LSN
		ckptNo = 0
	}
	l.checkpointNo = ckptNo
	atomic.StoreUint64(&l.checkpointLsn, ckptLsn)
	atomic.StoreUint64(&l.currentLsn, ckptLsn)
	atomic.StoreUint64(&l.flushedLsn, ckptLsn)
	l.bufStartLsn = ckptLsn
	return l, nil
}

func logFilePath(dir string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("ib_logfile%d", n))
}

// CurrentLSN 下一个待分配的LSN
func (l *Log) CurrentLSN() common.LSNT {
	return atomic.LoadUint64(&l.currentLsn)
}

// FlushedLSN 已落盘的LSN水位
func (l *Log) FlushedLSN() common.LSNT {
	return atomic.LoadUint64(&l.flushedLsn)
}

// CheckpointLSN 最近一次checkpoint的重做起点
func (l *Log) CheckpointLSN() common.LSNT {
	return atomic.LoadUint64(&l.checkpointLsn)
}

// Append 原子追加一段记录字节，返回其占据的LSN区间[start,end)
func (l *Log) Append(record []byte) (common.LSNT, common.LSNT) {
	l.mu.Enter()
	start := atomic.LoadUint64(&l.currentLsn)
	l.buf = append(l.buf, record...)
	end := start + uint64(len(record))
	atomic.StoreUint64(&l.currentLsn, end)
	l.mu.Exit()
	return start, end
}

// FlushUpTo 把日志落盘到至少lsn。并发调用合并为一次物理写：
// 抢到flushing的线程写盘，其余在条件变量上等水位。
func (l *Log) FlushUpTo(lsn common.LSNT) error {
	for {
		if atomic.LoadUint64(&l.flushedLsn) >= lsn {
			return nil
		}
		l.flushMu.Lock()
		if l.flushing {
			// 有人在刷，等一轮再看水位
			l.flushCond.Wait()
			l.flushMu.Unlock()
			continue
		}
		l.flushing = true
		l.flushMu.Unlock()

		// 摘走当前缓冲
		l.mu.Enter()
		data := l.buf
		start := l.bufStartLsn
		target := atomic.LoadUint64(&l.currentLsn)
		l.buf = nil
		l.bufStartLsn = target
		l.mu.Exit()

		err := l.writePhysical(start, data)
		if err == nil {
			err = l.syncFiles()
		}
		if err != nil {
			// WAL无法保证时不允许继续
			logger.Fatalf("重做日志写盘失败: %v", err)
		}

		l.flushMu.Lock()
		atomic.StoreUint64(&l.flushedLsn, target)
		l.flushing = false
		l.flushCond.Broadcast()
		l.flushMu.Unlock()
	}
}

// writePhysical 把[start, start+len)的日志字节写到循环文件组
func (l *Log) writePhysical(start common.LSNT, data []byte) error {
	dataPerFile := l.fileSize - LOG_FILE_HDR_SIZE
	for len(data) > 0 {
		off := (start - LOG_START_LSN) % l.capacity
		fileIdx := off / dataPerFile
		fileOff := LOG_FILE_HDR_SIZE + off%dataPerFile
		room := l.fileSize - fileOff
		n := uint64(len(data))
		if n > room {
			n = room
		}
		if _, err := l.files[fileIdx].WriteAt(data[:n], int64(fileOff)); err != nil {
			return err
		}
		data = data[n:]
		start += n
	}
	return nil
}

func (l *Log) syncFiles() error {
	for _, f := range l.files {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint 写checkpoint记录。oldestLsn是全池最旧脏页的
// oldest_modification；没有脏页时调用方传当前LSN。
// 先保证日志落盘到该点，再持久化checkpoint槽。
func (l *Log) Checkpoint(oldestLsn common.LSNT) error {
	if oldestLsn == 0 {
		oldestLsn = l.CurrentLSN()
	}
	if err := l.FlushUpTo(l.CurrentLSN()); err != nil {
		return err
	}

	l.mu.Enter()
	l.checkpointNo++
	no := l.checkpointNo
	l.mu.Exit()

	var rec [20]byte
	util.PutUB8(rec[:], LOG_CHECKPOINT_NO, no)
	util.PutUB8(rec[:], LOG_CHECKPOINT_LSN, oldestLsn)
	util.PutUB4(rec[:], LOG_CHECKPOINT_SUM, uint32(util.HashCode(rec[:16])&0xFFFFFFFF))

	if _, err := l.files[0].WriteAt(rec[:], LOG_CHECKPOINT_OFFSET); err != nil {
		return errors.Annotate(err, "写checkpoint失败")
	}
	if err := l.files[0].Sync(); err != nil {
		return errors.Trace(err)
	}
	atomic.StoreUint64(&l.checkpointLsn, oldestLsn)
	return nil
}

// readCheckpoint 读出checkpoint槽
func (l *Log) readCheckpoint() (common.LSNT, uint64, error) {
	var rec [20]byte
	if _, err := l.files[0].ReadAt(rec[:], LOG_CHECKPOINT_OFFSET); err != nil {
		return 0, 0, err
	}
	sum := uint32(util.HashCode(rec[:16]) & 0xFFFFFFFF)
	if util.GetUB4(rec[:], LOG_CHECKPOINT_SUM) != sum {
		return 0, 0, errors.New("checkpoint记录校验失败")
	}
	return util.GetUB8(rec[:], LOG_CHECKPOINT_LSN), util.GetUB8(rec[:], LOG_CHECKPOINT_NO), nil
}

// ReadRange 读出[start,end)之间已落盘的日志字节，恢复扫描用
func (l *Log) ReadRange(start common.LSNT, end common.LSNT) ([]byte, error) {
	if end > atomic.LoadUint64(&l.flushedLsn) {
		return nil, errors.New("请求的日志区间尚未落盘")
	}
	out := make([]byte, 0, end-start)
	dataPerFile := l.fileSize - LOG_FILE_HDR_SIZE
	for start < end {
		off := (start - LOG_START_LSN) % l.capacity
		fileIdx := off / dataPerFile
		fileOff := LOG_FILE_HDR_SIZE + off%dataPerFile
		room := l.fileSize - fileOff
		n := end - start
		if n > room {
			n = room
		}
		buf := make([]byte, n)
		if _, err := l.files[fileIdx].ReadAt(buf, int64(fileOff)); err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, buf...)
		start += n
	}
	return out, nil
}

// Close 关闭日志文件
func (l *Log) Close() error {
	if err := l.FlushUpTo(l.CurrentLSN()); err != nil {
		return err
	}
	for _, f := range l.files {
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
