package fileio

import (
	"sync"

	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/logger"
)

// RequestKind 请求方向
type RequestKind int

const (
	IO_READ RequestKind = iota
	IO_WRITE
)

// FileKind 数据文件与日志文件的fsync分开调度
type FileKind int

const (
	FILE_DATA FileKind = iota
	FILE_LOG
)

// SubmitMode 普通提交或模拟批量提交（稍后统一唤醒）
type SubmitMode int

const (
	MODE_NORMAL SubmitMode = iota
	MODE_SIM_BATCH_WAKE_LATER
)

// Request 一次异步I/O请求
type Request struct {
	Kind     RequestKind
	File     FileKind
	PageId   common.PageId
	Offset   uint32 // 页内偏移
	Len      uint32 // 0表示整页
	Buf      []byte
	UserTag  interface{}
	Err      error

	done chan struct{}
}

// Wait 阻塞等待该请求完成
func (r *Request) Wait() error {
	<-r.done
	return r.Err
}

// AsyncIO 提交/完成模型的异步I/O层。
// 完成处理线程调用WaitSegment循环取出请求并执行实际读写。
type AsyncIO struct {
	fm        *FileManager
	nSegments int
	segments  []chan *Request

	batchMu sync.Mutex
	batch   []*Request

	pending sync.WaitGroup
}

// NewAsyncIO 创建异步I/O层
func NewAsyncIO(fm *FileManager, nSegments int) *AsyncIO {
	if nSegments < 1 {
		nSegments = 1
	}
	aio := &AsyncIO{
		fm:        fm,
		nSegments: nSegments,
		segments:  make([]chan *Request, nSegments),
	}
	for i := range aio.segments {
		aio.segments[i] = make(chan *Request, 256)
	}
	return aio
}

func (aio *AsyncIO) segmentFor(pageId common.PageId) int {
	return int((uint64(pageId.SpaceId)*7 + uint64(pageId.PageNo))) % aio.nSegments
}

// Submit 提交一个请求。sync为真时在当前线程同步执行。
// 模拟批量模式下请求先积压，由WakeSimulated统一下发；
// 调用方持有latch时必须保证批量最终被唤醒，否则等待方会死锁。
func (aio *AsyncIO) Submit(req *Request, sync bool, mode SubmitMode) error {
	req.done = make(chan struct{})
	if sync {
		aio.perform(req)
		return req.Err
	}
	aio.pending.Add(1)
	if mode == MODE_SIM_BATCH_WAKE_LATER {
		aio.batchMu.Lock()
		aio.batch = append(aio.batch, req)
		aio.batchMu.Unlock()
		return nil
	}
	aio.segments[aio.segmentFor(req.PageId)] <- req
	return nil
}

// WakeSimulated 把积压的批量请求下发给完成线程
func (aio *AsyncIO) WakeSimulated() {
	aio.batchMu.Lock()
	batch := aio.batch
	aio.batch = nil
	aio.batchMu.Unlock()
	for _, req := range batch {
		aio.segments[aio.segmentFor(req.PageId)] <- req
	}
}

// WaitSegment 完成处理线程的主循环体：取出一个请求并执行，
// 返回完成的请求；通道关闭时返回nil。
func (aio *AsyncIO) WaitSegment(segment int) *Request {
	req, ok := <-aio.segments[segment]
	if !ok {
		return nil
	}
	aio.perform(req)
	aio.pending.Done()
	return req
}

func (aio *AsyncIO) perform(req *Request) {
	switch req.Kind {
	case IO_READ:
		content, err := aio.fm.ReadPage(req.PageId.SpaceId, req.PageId.PageNo)
		if err != nil {
			req.Err = err
		} else if req.Len == 0 {
			copy(req.Buf, content)
		} else {
			copy(req.Buf, content[req.Offset:req.Offset+req.Len])
		}
	case IO_WRITE:
		if err := aio.fm.WritePage(req.PageId.SpaceId, req.PageId.PageNo, req.Buf); err != nil {
			req.Err = err
		}
	}
	if req.Err != nil {
		logger.Errorf("I/O请求失败: %v page=%v", req.Err, req.PageId)
	}
	close(req.done)
}

// Flush 对表空间fsync
func (aio *AsyncIO) Flush(spaceId uint32) error {
	return aio.fm.FlushSpace(spaceId)
}

// WaitAllPending 等待所有在途请求完成，关闭时使用
func (aio *AsyncIO) WaitAllPending() {
	aio.pending.Wait()
}

// Shutdown 关闭全部完成通道
func (aio *AsyncIO) Shutdown() {
	aio.pending.Wait()
	for _, ch := range aio.segments {
		close(ch)
	}
}
