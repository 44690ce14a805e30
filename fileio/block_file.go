package fileio

import (
	"os"
	"path"
	"sync"

	"github.com/ncw/directio"
)

// BlockFile 以页为单位读写的数据文件
type BlockFile struct {
	mu       sync.RWMutex
	file     *os.File
	filePath string
	pageSize uint32
	size     int64
}

// NewBlockFile 创建数据文件句柄
func NewBlockFile(dirPath string, fileName string, pageSize uint32, initPages uint32) *BlockFile {
	return &BlockFile{
		filePath: path.Join(dirPath, fileName),
		pageSize: pageSize,
		size:     int64(pageSize) * int64(initPages),
	}
}

// Open 打开文件，优先尝试O_DIRECT，失败时回退到普通打开
func (bf *BlockFile) Open() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.openLocked()
}

func (bf *BlockFile) openLocked() error {
	if bf.file != nil {
		return nil
	}
	file, err := directio.OpenFile(bf.filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		file, err = os.OpenFile(bf.filePath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
	}
	bf.file = file

	stat, err := file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < bf.size {
		if err = file.Truncate(bf.size); err != nil {
			return err
		}
	} else {
		bf.size = stat.Size()
	}
	return nil
}

// Close 关闭文件
func (bf *BlockFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.file != nil {
		err := bf.file.Close()
		bf.file = nil
		return err
	}
	return nil
}

// ReadPage 读取一个完整页面
func (bf *BlockFile) ReadPage(pageNo uint32) ([]byte, error) {
	bf.mu.Lock()
	if bf.file == nil {
		if err := bf.openLocked(); err != nil {
			bf.mu.Unlock()
			return nil, err
		}
	}
	file := bf.file
	pageSize := bf.pageSize
	bf.mu.Unlock()

	offset := int64(pageNo) * int64(pageSize)
	buf := directio.AlignedBlock(int(pageSize))

	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePage 写入一个完整页面
func (bf *BlockFile) WritePage(pageNo uint32, content []byte) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	if bf.file == nil {
		if err := bf.openLocked(); err != nil {
			return err
		}
	}

	offset := int64(pageNo) * int64(bf.pageSize)
	buf := content
	if len(content) > 0 && !directio.IsAligned(content) {
		// O_DIRECT要求缓冲区按块对齐，未对齐时先拷到对齐块
		buf = directio.AlignedBlock(len(content))
		copy(buf, content)
	}
	if _, err := bf.file.WriteAt(buf, offset); err != nil {
		return err
	}
	end := offset + int64(len(content))
	if end > bf.size {
		bf.size = end
	}
	return nil
}

// Sync 刷盘
func (bf *BlockFile) Sync() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.file != nil {
		return bf.file.Sync()
	}
	return nil
}

// PageCount 当前文件包含的页面数
func (bf *BlockFile) PageCount() uint32 {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return uint32(bf.size / int64(bf.pageSize))
}

// Extend 追加pages个零页，返回实际追加数
func (bf *BlockFile) Extend(pages uint32) (uint32, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if bf.file == nil {
		if err := bf.openLocked(); err != nil {
			return 0, err
		}
	}
	newSize := bf.size + int64(pages)*int64(bf.pageSize)
	if err := bf.file.Truncate(newSize); err != nil {
		return 0, err
	}
	bf.size = newSize
	return pages, nil
}
