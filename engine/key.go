package engine

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xinnodb-engine/common"
)

// 键内嵌事务ID的打包格式：
// 相对表的create_trid做差值并左移一位后存储，
// 差值小于251时占一个字节，否则先写一个长度字节(len+249,
// len取2..6)，再写高位在前的len个字节。
// 244..249的前缀字节保留给将来的带符号差值。
// 打包长度只会是{1,3,4,5,6,7}字节。

const (
	tridPackMaxShort = 251
	tridPackLenBase  = 249
	tridPackMinLen   = 2
	tridPackMaxLen   = 6
)

var ErrBadPackedTrid = errors.New("malformed packed trid")

// ErrVersionMismatch 行里的事务ID早于表的create_trid，
// 说明旧数据被恢复进了新表结构
var ErrVersionMismatch = errors.New("row trid older than table create trid")

// PackTrid 打包事务ID
func PackTrid(trid common.TrxIdT, createTrid common.TrxIdT) []byte {
	delta := (trid - createTrid) << 1
	if delta < tridPackMaxShort {
		return []byte{byte(delta)}
	}
	// 高位在前的最短字节串
	var tmp [8]byte
	n := 0
	for v := delta; v > 0; v >>= 8 {
		n++
	}
	if n < tridPackMinLen {
		n = tridPackMinLen
	}
	for i := 0; i < n; i++ {
		tmp[i] = byte(delta >> uint((n-1-i)*8))
	}
	out := make([]byte, 0, n+1)
	out = append(out, byte(tridPackLenBase+n))
	return append(out, tmp[:n]...)
}

// UnpackTrid 解包事务ID，返回值与消费的字节数
func UnpackTrid(buf []byte, createTrid common.TrxIdT) (common.TrxIdT, int, error) {
	if len(buf) == 0 {
		return 0, 0, errors.Trace(ErrBadPackedTrid)
	}
	first := buf[0]
	if first < tridPackMaxShort {
		return createTrid + common.TrxIdT(first)>>1, 1, nil
	}
	n := int(first) - tridPackLenBase
	if n < tridPackMinLen || n > tridPackMaxLen || len(buf) < 1+n {
		return 0, 0, errors.Trace(ErrBadPackedTrid)
	}
	var delta uint64
	for i := 0; i < n; i++ {
		delta = delta<<8 | uint64(buf[1+i])
	}
	return createTrid + common.TrxIdT(delta>>1), 1 + n, nil
}

// PackKeyWithTrid 在键尾追加打包的事务ID，
// 并把键末字节的低位置1作为携带标记
func PackKeyWithTrid(key []byte, trid common.TrxIdT, createTrid common.TrxIdT) []byte {
	out := make([]byte, len(key), len(key)+8)
	copy(out, key)
	if len(out) > 0 {
		out[len(out)-1] |= 0x01
	}
	return append(out, PackTrid(trid, createTrid)...)
}

// UnpackKeyTrid 从带标记的键里拆出裸键与事务ID
func UnpackKeyTrid(packed []byte, keyLen int, createTrid common.TrxIdT) ([]byte, common.TrxIdT, error) {
	if len(packed) < keyLen {
		return nil, 0, errors.Trace(ErrBadPackedTrid)
	}
	key := append([]byte(nil), packed[:keyLen]...)
	if len(key) > 0 && key[len(key)-1]&0x01 == 0 {
		return key, 0, nil
	}
	trid, _, err := UnpackTrid(packed[keyLen:], createTrid)
	if err != nil {
		return nil, 0, err
	}
	if trid < createTrid {
		return nil, 0, errors.Trace(ErrVersionMismatch)
	}
	return key, trid, nil
}
