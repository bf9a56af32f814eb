package fil

import (
	"github.com/zhukovaskychina/xmysql-bufcore/server/common"
	"github.com/zhukovaskychina/xmysql-bufcore/util"
)

// PrepareForWrite 写盘前盖上LSN与校验和
// FIL_PAGE_LSN 写入完整LSN, 页尾后4字节写入LSN低32位, 页首与页尾前4字节写入校验和
func PrepareForWrite(frame []byte, lsn common.LSNT) {
	n := len(frame)
	util.MachWrite8(frame, common.FIL_PAGE_LSN, uint64(lsn))
	util.MachWrite4(frame, n-common.FIL_PAGE_END_LSN_OLD_CHKSUM+4, uint32(lsn))
	sum := util.PageChecksum(frame)
	util.MachWrite4(frame, common.FIL_PAGE_SPACE_OR_CHKSUM, sum)
	util.MachWrite4(frame, n-common.FIL_PAGE_END_LSN_OLD_CHKSUM, sum)
}

// VerifyChecksum 校验读入的页面, 从未写过的全零页面视为有效
func VerifyChecksum(frame []byte) bool {
	if util.IsZero(frame) {
		return true
	}
	n := len(frame)
	if util.MachRead4(frame, n-common.FIL_PAGE_END_LSN_OLD_CHKSUM+4) != uint32(PageLSN(frame)) {
		return false
	}
	sum := util.PageChecksum(frame)
	return util.MachRead4(frame, common.FIL_PAGE_SPACE_OR_CHKSUM) == sum &&
		util.MachRead4(frame, n-common.FIL_PAGE_END_LSN_OLD_CHKSUM) == sum
}

// PageLSN 页面上记录的最新修改LSN
func PageLSN(frame []byte) common.LSNT {
	return common.LSNT(util.MachRead8(frame, common.FIL_PAGE_LSN))
}

// PageType 页面类型
func PageType(frame []byte) common.PageType {
	return common.PageType(util.MachRead2(frame, common.FIL_PAGE_TYPE))
}

// SetPageType 设置页面类型
func SetPageType(frame []byte, t common.PageType) {
	util.MachWrite2(frame, common.FIL_PAGE_TYPE, uint16(t))
}

// InitPageHeader 初始化新页面的文件头
func InitPageHeader(frame []byte, id common.PageID, t common.PageType) {
	for i := range frame {
		frame[i] = 0
	}
	util.MachWrite4(frame, common.FIL_PAGE_OFFSET, id.PageNo)
	util.MachWrite4(frame, common.FIL_PAGE_PREV, common.FIL_NULL)
	util.MachWrite4(frame, common.FIL_PAGE_NEXT, common.FIL_NULL)
	util.MachWrite4(frame, common.FIL_PAGE_ARCH_LOG_NO_OR_SPACE_ID, id.Space)
	SetPageType(frame, t)
}
