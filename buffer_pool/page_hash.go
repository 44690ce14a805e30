package buffer_pool

import (
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// PageHash 以(space,page_no)为键的链式哈希表，桶数取大于池容量的素数。
// 由缓冲池互斥量保护。
type PageHash struct {
	buckets []int32
}

func newPageHash(poolSize uint32) *PageHash {
	n := nextPrime(poolSize + 1)
	ph := &PageHash{buckets: make([]int32, n)}
	for i := range ph.buckets {
		ph.buckets[i] = nilFrame
	}
	return ph
}

func nextPrime(n uint32) uint32 {
	for {
		if isPrime(n) {
			return n
		}
		n++
	}
}

func isPrime(n uint32) bool {
	if n < 2 {
		return false
	}
	for i := uint32(2); i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

func (ph *PageHash) bucket(spaceId uint32, pageNo uint32) uint32 {
	return uint32(util.FoldPageId(spaceId, pageNo) % uint64(len(ph.buckets)))
}

// Insert 插入帧，同一键不允许重复插入
func (ph *PageHash) Insert(frames []*Frame, f *Frame) {
	b := ph.bucket(f.spaceId, f.pageNo)
	f.hashNext = ph.buckets[b]
	ph.buckets[b] = f.idx
}

// Search 按键查找帧下标，未命中返回nilFrame
func (ph *PageHash) Search(frames []*Frame, spaceId uint32, pageNo uint32) int32 {
	b := ph.bucket(spaceId, pageNo)
	for idx := ph.buckets[b]; idx != nilFrame; idx = frames[idx].hashNext {
		f := frames[idx]
		if f.spaceId == spaceId && f.pageNo == pageNo {
			return idx
		}
	}
	return nilFrame
}

// Delete 删除帧
func (ph *PageHash) Delete(frames []*Frame, f *Frame) {
	b := ph.bucket(f.spaceId, f.pageNo)
	idx := ph.buckets[b]
	if idx == f.idx {
		ph.buckets[b] = f.hashNext
		f.hashNext = nilFrame
		return
	}
	for idx != nilFrame {
		next := frames[idx].hashNext
		if next == f.idx {
			frames[idx].hashNext = f.hashNext
			f.hashNext = nilFrame
			return
		}
		idx = next
	}
}
