package pages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xinnodb-engine/common"
)

func newTestPage() []byte {
	return make([]byte, common.PAGE_SIZE)
}

func TestFileHeader(t *testing.T) {
	page := newTestPage()
	pageId := common.NewPageId(3, 7)
	InitPage(page, pageId, common.FILE_PAGE_INDEX)

	t.Run("头部字段往返", func(t *testing.T) {
		assert.Equal(t, uint32(7), GetPageNo(page))
		assert.Equal(t, uint32(common.FIL_NULL), GetPagePrev(page))
		assert.Equal(t, uint32(common.FIL_NULL), GetPageNext(page))
		assert.Equal(t, uint16(common.FILE_PAGE_INDEX), GetPageType(page))
		assert.Equal(t, uint32(3), GetSpaceId(page))
	})

	t.Run("页面LSN与尾部副本", func(t *testing.T) {
		WritePageLSN(page, 0x11223344AABBCCDD)
		assert.Equal(t, uint64(0x11223344AABBCCDD), GetPageLSN(page))
		StampChecksum(page)
		require.NoError(t, VerifyPage(page))
	})

	t.Run("篡改内容校验失败", func(t *testing.T) {
		WritePageLSN(page, 42)
		StampChecksum(page)
		page[100] ^= 0xFF
		assert.ErrorIs(t, VerifyPage(page), ErrInvalidChecksum)
		page[100] ^= 0xFF
		require.NoError(t, VerifyPage(page))
	})

	t.Run("尾部LSN不符判定写撕裂", func(t *testing.T) {
		WritePageLSN(page, 77)
		StampChecksum(page)
		// 直接伪造头部LSN而不更新尾部
		copy(page[common.FIL_PAGE_LSN:common.FIL_PAGE_LSN+8], []byte{0, 0, 0, 0, 0, 0, 1, 0})
		StampChecksum(page)
		assert.ErrorIs(t, VerifyPage(page), ErrTornPage)
	})
}

func TestFlst(t *testing.T) {
	page := newTestPage()
	base := uint32(200)

	t.Run("空链表", func(t *testing.T) {
		FlstInitBase(page, base)
		assert.Equal(t, uint32(0), FlstGetLen(page, base))
		assert.True(t, FlstGetFirst(page, base).IsNull())
		assert.True(t, FlstGetLast(page, base).IsNull())
	})

	t.Run("地址读写", func(t *testing.T) {
		addr := common.FilAddr{PageNo: 5, Boffset: 150}
		FlstSetFirst(page, base, addr)
		got := FlstGetFirst(page, base)
		assert.Equal(t, addr, got)
		assert.False(t, got.IsNull())
	})
}

func TestXdes(t *testing.T) {
	page := newTestPage()
	entryOff := uint32(XDES_ARR_OFFSET)

	t.Run("状态与段ID", func(t *testing.T) {
		XdesSetStateRaw(page, entryOff, XDES_FREE_FRAG)
		assert.Equal(t, XDES_FREE_FRAG, XdesGetState(page, entryOff))
	})

	t.Run("位图分配", func(t *testing.T) {
		for i := 0; i < common.FSP_EXTENT_SIZE; i++ {
			assert.True(t, XdesPageIsFree(page, entryOff, i))
		}
		XdesSetPageUsedRaw(page, entryOff, 0, true)
		XdesSetPageUsedRaw(page, entryOff, 5, true)
		assert.False(t, XdesPageIsFree(page, entryOff, 0))
		assert.Equal(t, 2, XdesNUsed(page, entryOff))
		assert.Equal(t, 1, XdesFindFreePage(page, entryOff, 0))
		// hint跳过已用的5
		assert.Equal(t, 6, XdesFindFreePage(page, entryOff, 5))
		assert.False(t, XdesIsFull(page, entryOff))
	})

	t.Run("描述符页定位", func(t *testing.T) {
		assert.Equal(t, uint32(0), XdesCalcDescriptorPage(common.PAGE_SIZE, 100))
		assert.Equal(t, uint32(common.PAGE_SIZE), XdesCalcDescriptorPage(common.PAGE_SIZE, common.PAGE_SIZE+5))
		// 第二个extent的描述符偏移
		assert.Equal(t, uint32(XDES_ARR_OFFSET+XDES_SIZE), XdesEntryOffset(common.PAGE_SIZE, 64))
	})
}

func TestInodePage(t *testing.T) {
	page := newTestPage()

	t.Run("布局常量", func(t *testing.T) {
		assert.Equal(t, uint32(85), InodesPerPage(16384))
		assert.Equal(t, uint32(FSEG_ARR_OFFSET), InodeOffset(0))
		assert.Equal(t, uint32(FSEG_ARR_OFFSET+FSEG_INODE_SIZE), InodeOffset(1))
	})

	t.Run("空槽位判定", func(t *testing.T) {
		assert.True(t, InodeIsFree(page, InodeOffset(0)))
		assert.False(t, InodeVerifyMagic(page, InodeOffset(0)))
	})
}

func TestIndexPageLayout(t *testing.T) {
	t.Run("哨兵与目录位置", func(t *testing.T) {
		assert.Equal(t, 94, PAGE_INFIMUM_EXTRA)
		assert.Equal(t, 99, PAGE_INFIMUM)
		page := newTestPage()
		SetDirSlotRaw(page, 0, PAGE_INFIMUM)
		SetDirSlotRaw(page, 1, PAGE_SUPREMUM)
		assert.Equal(t, uint16(PAGE_INFIMUM), GetDirSlot(page, 0))
		assert.Equal(t, uint16(PAGE_SUPREMUM), GetDirSlot(page, 1))
		// 槽0紧贴尾部
		assert.Equal(t, uint32(common.PAGE_SIZE-common.PAGE_FILE_TRAILER_SIZE-2), DirSlotOffset(common.PAGE_SIZE, 0))
	})
}
