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

// PageChecksum 计算页面校验和, 跳过头部4字节的校验和字段与尾部8字节
func PageChecksum(frame []byte) uint32 {
	if len(frame) <= 12 {
		return 0
	}
	h := xxhash.New32()
	h.Write(frame[4 : len(frame)-8])
	return h.Sum32()
}

// FoldPair 将两个整数折叠为一个hash值
func FoldPair(a, b uint32) uint64 {
	var buf [8]byte
	MachWrite4(buf[:], 0, a)
	MachWrite4(buf[:], 4, b)
	return xxhash.Checksum64(buf[:])
}
