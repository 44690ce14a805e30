package fileio

import (
	"fmt"
	"os"
	"sync"

	"github.com/juju/errors"
)

// 读页遇到硬件错误时的重试次数上限
const readRetryTimes = 3

// FileManager 管理全部表空间的数据文件，实现basic.SpaceIO
type FileManager struct {
	mu       sync.RWMutex
	dataDir  string
	pageSize uint32

	// space_id -> 数据文件
	files map[uint32]*BlockFile
	// 表空间名 <-> space_id
	nameToSpace map[string]uint32
	spaceToName map[uint32]string

	// 刷盘计数，按space统计
	flushCounts map[uint32]uint64
	// 写失败后置位，关闭时报错
	notFlushed map[uint32]bool
}

// NewFileManager 创建文件管理器
func NewFileManager(dataDir string, pageSize uint32) (*FileManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Annotatef(err, "创建数据目录%s失败", dataDir)
	}
	return &FileManager{
		dataDir:     dataDir,
		pageSize:    pageSize,
		files:       make(map[uint32]*BlockFile),
		nameToSpace: make(map[string]uint32),
		spaceToName: make(map[uint32]string),
		flushCounts: make(map[uint32]uint64),
		notFlushed:  make(map[uint32]bool),
	}, nil
}

// RegisterSpace 注册表空间并打开其数据文件
func (fm *FileManager) RegisterSpace(spaceId uint32, name string, initPages uint32) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if _, ok := fm.files[spaceId]; ok {
		return errors.Errorf("表空间%d已注册", spaceId)
	}
	bf := NewBlockFile(fm.dataDir, fmt.Sprintf("%s.ibd", name), fm.pageSize, initPages)
	if err := bf.Open(); err != nil {
		return errors.Annotatef(err, "打开表空间文件%s失败", name)
	}
	fm.files[spaceId] = bf
	fm.nameToSpace[name] = spaceId
	fm.spaceToName[spaceId] = name
	return nil
}

// DropSpace 注销表空间并关闭文件
func (fm *FileManager) DropSpace(spaceId uint32) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	bf, ok := fm.files[spaceId]
	if !ok {
		return errors.Errorf("表空间%d不存在", spaceId)
	}
	if err := bf.Close(); err != nil {
		return err
	}
	delete(fm.files, spaceId)
	name := fm.spaceToName[spaceId]
	delete(fm.spaceToName, spaceId)
	delete(fm.nameToSpace, name)
	return nil
}

// SpaceIdByName 按表空间名查space id
func (fm *FileManager) SpaceIdByName(name string) (uint32, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	id, ok := fm.nameToSpace[name]
	return id, ok
}

func (fm *FileManager) blockFile(spaceId uint32) (*BlockFile, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	bf, ok := fm.files[spaceId]
	if !ok {
		return nil, errors.Errorf("表空间%d未注册", spaceId)
	}
	return bf, nil
}

// ReadPage 读取页面，硬件错误时有限次重试
func (fm *FileManager) ReadPage(spaceId uint32, pageNo uint32) ([]byte, error) {
	bf, err := fm.blockFile(spaceId)
	if err != nil {
		return nil, err
	}
	var content []byte
	for i := 0; i < readRetryTimes; i++ {
		content, err = bf.ReadPage(pageNo)
		if err == nil {
			return content, nil
		}
	}
	return nil, errors.Annotatef(err, "读取页面(space=%d,page=%d)失败", spaceId, pageNo)
}

// WritePage 写入页面
func (fm *FileManager) WritePage(spaceId uint32, pageNo uint32, content []byte) error {
	bf, err := fm.blockFile(spaceId)
	if err != nil {
		return err
	}
	if err := bf.WritePage(pageNo, content); err != nil {
		fm.mu.Lock()
		fm.notFlushed[spaceId] = true
		fm.mu.Unlock()
		return errors.Annotatef(err, "写入页面(space=%d,page=%d)失败", spaceId, pageNo)
	}
	return nil
}

// FlushSpace 对指定表空间执行fsync
func (fm *FileManager) FlushSpace(spaceId uint32) error {
	bf, err := fm.blockFile(spaceId)
	if err != nil {
		return err
	}
	if err := bf.Sync(); err != nil {
		fm.mu.Lock()
		fm.notFlushed[spaceId] = true
		fm.mu.Unlock()
		return err
	}
	fm.mu.Lock()
	fm.flushCounts[spaceId]++
	delete(fm.notFlushed, spaceId)
	fm.mu.Unlock()
	return nil
}

// PageCount 表空间当前页面数
func (fm *FileManager) PageCount(spaceId uint32) (uint32, error) {
	bf, err := fm.blockFile(spaceId)
	if err != nil {
		return 0, err
	}
	return bf.PageCount(), nil
}

// Extend 扩展表空间
func (fm *FileManager) Extend(spaceId uint32, desired uint32) (uint32, error) {
	bf, err := fm.blockFile(spaceId)
	if err != nil {
		return 0, err
	}
	return bf.Extend(desired)
}

// FlushCount 表空间的累计刷盘次数
func (fm *FileManager) FlushCount(spaceId uint32) uint64 {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.flushCounts[spaceId]
}

// Close 关闭全部文件；存在写失败未落盘的空间时报错
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	var firstErr error
	for spaceId, bf := range fm.files {
		if fm.notFlushed[spaceId] && firstErr == nil {
			firstErr = errors.Errorf("表空间%d存在未落盘的写失败", spaceId)
		}
		if err := bf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
