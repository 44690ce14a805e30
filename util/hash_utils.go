package util

import (
	"github.com/OneOfOne/xxhash"
)

// 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// 页面标识的fold值，用于页面哈希表的桶定位
func FoldPageId(spaceId uint32, pageNo uint32) uint64 {
	var buff = append(ConvertUInt4Bytes(spaceId), ConvertUInt4Bytes(pageNo)...)
	return HashCode(buff)
}
