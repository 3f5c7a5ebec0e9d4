// Package hashkit provides the pluggable key-hash functions and the
// Ketama consistent-hash ring used to select a server for a key.
package hashkit

import (
	"crypto/md5"
	"encoding/binary"
	"hash/crc32"
	"hash/fnv"
)

// HashFunc maps a key to a 32-bit digest.
type HashFunc func(key []byte) uint32

// HashMD5 uses the first four bytes of the 16-byte MD5 digest,
// interpreted little-endian.
func HashMD5(key []byte) uint32 {
	sum := md5.Sum(key)
	return binary.LittleEndian.Uint32(sum[0:4])
}

// HashFNV1_32 is the standard 32-bit FNV-1 hash.
func HashFNV1_32(key []byte) uint32 {
	h := fnv.New32()
	_, _ = h.Write(key)
	return h.Sum32()
}

// HashFNV1A_32 is the standard 32-bit FNV-1a hash.
func HashFNV1A_32(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

// HashCRC32 is the IEEE CRC-32 polynomial.
func HashCRC32(key []byte) uint32 {
	return crc32.ChecksumIEEE(key)
}
