package wire

import "hash/crc32"

// CRC32 computes the checksum used to validate CSTOCL_READ_DATA and
// CLTOCS_WRITE_DATA payloads.
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// VerifyCRC32 reports whether data matches the CRC32 carried in a frame header.
func VerifyCRC32(data []byte, want uint32) bool {
	return CRC32(data) == want
}
