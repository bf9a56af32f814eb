package util

import "encoding/binary"

// InnoDB 页面上的整数一律按大端序存储

func MachRead1(buf []byte, offset int) uint8 {
	return buf[offset]
}

func MachRead2(buf []byte, offset int) uint16 {
	return binary.BigEndian.Uint16(buf[offset:])
}

func MachRead4(buf []byte, offset int) uint32 {
	return binary.BigEndian.Uint32(buf[offset:])
}

func MachRead8(buf []byte, offset int) uint64 {
	return binary.BigEndian.Uint64(buf[offset:])
}

func MachWrite1(buf []byte, offset int, v uint8) {
	buf[offset] = v
}

func MachWrite2(buf []byte, offset int, v uint16) {
	binary.BigEndian.PutUint16(buf[offset:], v)
}

func MachWrite4(buf []byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(buf[offset:], v)
}

func MachWrite8(buf []byte, offset int, v uint64) {
	binary.BigEndian.PutUint64(buf[offset:], v)
}

// BitGetNth 读取第n位
func BitGetNth(a byte, n uint) byte {
	return (a >> n) & 1
}

// BitSetNth 设置第n位
func BitSetNth(a byte, n uint, val byte) byte {
	if val != 0 {
		return a | (1 << n)
	}
	return a &^ (1 << n)
}

// IsZero 判断缓冲区是否全零, 从未写过的页面读出来是全零
func IsZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
