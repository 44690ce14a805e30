// Package record 实现compact记录格式、页目录与索引页上的增删查
package record

import (
	"bytes"

	"github.com/zhukovaskychina/xinnodb-engine/common"
	"github.com/zhukovaskychina/xinnodb-engine/util"
)

// compact记录头占5字节，位于记录原点(origin)之前：
//   origin-5: info bits(高4位) | n_owned(低4位)
//   origin-4: heap_no(13位) | 记录类型(3位)，共2字节
//   origin-2: next记录的页内origin，2字节，0表示链尾
// origin处为负载: [u16 数据长度][数据]
// infimum/supremum同样带长度前缀，数据为固定8字节。
const (
	REC_EXTRA_SIZE   = 5
	REC_N_OWNED_MASK = 0x0F
	REC_INFO_SHIFT   = 4

	// info bits
	REC_INFO_DELETED = 0x2
	REC_INFO_MIN_REC = 0x1

	REC_HEAP_NO_SHIFT = 3
	REC_TYPE_MASK     = 0x7

	// 负载长度前缀
	REC_DATA_LEN_SIZE = 2
)

// RecNext 链上下一条记录的origin
func RecNext(page []byte, origin uint16) uint16 {
	return util.GetUB2(page, uint32(origin)-2)
}

// RecNOwned 本记录拥有的目录组大小，非组主为0
func RecNOwned(page []byte, origin uint16) uint8 {
	return page[origin-REC_EXTRA_SIZE] & REC_N_OWNED_MASK
}

// RecInfoBits 记录信息位
func RecInfoBits(page []byte, origin uint16) uint8 {
	return page[origin-REC_EXTRA_SIZE] >> REC_INFO_SHIFT
}

// RecIsDeleted 是否带删除标记
func RecIsDeleted(page []byte, origin uint16) bool {
	return RecInfoBits(page, origin)&REC_INFO_DELETED != 0
}

// RecHeapNo 堆序号
func RecHeapNo(page []byte, origin uint16) uint16 {
	return util.GetUB2(page, uint32(origin)-4) >> REC_HEAP_NO_SHIFT
}

// RecType 记录类型
func RecType(page []byte, origin uint16) uint8 {
	return uint8(util.GetUB2(page, uint32(origin)-4) & REC_TYPE_MASK)
}

// RecDataLen 负载数据长度
func RecDataLen(page []byte, origin uint16) uint16 {
	return util.GetUB2(page, uint32(origin))
}

// RecData 负载数据
func RecData(page []byte, origin uint16) []byte {
	l := RecDataLen(page, origin)
	return page[origin+REC_DATA_LEN_SIZE : origin+REC_DATA_LEN_SIZE+l]
}

// RecKey 从负载里取出键: 负载 = [u16 keyLen][key][值]
func RecKey(page []byte, origin uint16) []byte {
	data := RecData(page, origin)
	keyLen := util.ReadUB2Byte2Int(data[0:2])
	return data[2 : 2+keyLen]
}

// RecValue 负载里键之后的部分
func RecValue(page []byte, origin uint16) []byte {
	data := RecData(page, origin)
	keyLen := util.ReadUB2Byte2Int(data[0:2])
	return data[2+keyLen:]
}

// RecPhysicalSize 记录占用的总字节数（头+长度前缀+数据）
func RecPhysicalSize(page []byte, origin uint16) uint16 {
	return REC_EXTRA_SIZE + REC_DATA_LEN_SIZE + RecDataLen(page, origin)
}

// MakePayload 组装记录负载
func MakePayload(key []byte, value []byte) []byte {
	payload := util.ConvertUInt2Bytes(uint16(len(key)))
	payload = append(payload, key...)
	return append(payload, value...)
}

// MakeRecImage 组装完整的记录物理镜像（头+负载）
func MakeRecImage(heapNo uint16, recType uint8, nOwned uint8, next uint16, data []byte) []byte {
	img := make([]byte, 0, REC_EXTRA_SIZE+REC_DATA_LEN_SIZE+len(data))
	img = append(img, nOwned&REC_N_OWNED_MASK)
	img = util.WriteUB2(img, heapNo<<REC_HEAP_NO_SHIFT|uint16(recType)&REC_TYPE_MASK)
	img = util.WriteUB2(img, next)
	img = util.WriteUB2(img, uint16(len(data)))
	return append(img, data...)
}

// CompareWithKey 记录与目标键的三值比较，infimum最小supremum最大
func CompareWithKey(page []byte, origin uint16, key []byte) int {
	switch RecType(page, origin) {
	case common.INFIMUM_RECORD:
		return -1
	case common.SUPREMUM_RECORD:
		return 1
	}
	return bytes.Compare(RecKey(page, origin), key)
}
