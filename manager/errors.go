package manager

import "github.com/juju/errors"

var (
	// ErrOutOfSpace 表空间无法扩展且没有可用extent
	ErrOutOfSpace = errors.New("tablespace out of space")
	// ErrSpaceNotFound 表空间不存在
	ErrSpaceNotFound = errors.New("tablespace not found")
	// ErrSegmentNotFound 段不存在或inode损坏
	ErrSegmentNotFound = errors.New("segment not found")
	// ErrCorrupted 页面元数据损坏
	ErrCorrupted = errors.New("storage metadata corrupted")
)

// ReserveKind 预留extent的用途，空间紧张时腾空间的操作优先放行
type ReserveKind int

const (
	RESERVE_NORMAL ReserveKind = iota
	RESERVE_UNDO
	RESERVE_CLEANING
)
