// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package digest computes iSCSI header and data digests (CRC32C, RFC 3720
// appendix B.4) word by word with a slicing-by-4 table lookup.
package digest

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"
)

const initialValue = 0xffffffff

// Tables are filled once by init and never written afterwards.
var slicingTables [4][256]uint32

func init() {
	slicingTables[0] = *crc32.MakeTable(crc32.Castagnoli)
	for k := 1; k < len(slicingTables); k++ {
		for i := 0; i < 256; i++ {
			previous := slicingTables[k-1][i]
			slicingTables[k][i] = (previous >> 8) ^ slicingTables[0][previous&0xff]
		}
	}
}

// CRC32C accumulates a digest. The zero value is not ready for use; call
// New or Reset first. A CRC32C must not be shared between goroutines.
type CRC32C struct {
	crc uint32
}

func New() *CRC32C {
	return &CRC32C{crc: initialValue}
}

func (digest *CRC32C) Reset() {
	digest.crc = initialValue
}

// Update folds one 32-bit word, given in network byte order, into the digest.
func (digest *CRC32C) Update(word uint32) {
	crc := digest.crc ^ bits.ReverseBytes32(word)
	digest.crc = slicingTables[3][crc&0xff] ^
		slicingTables[2][(crc>>8)&0xff] ^
		slicingTables[1][(crc>>16)&0xff] ^
		slicingTables[0][crc>>24]
}

// UpdateBytes folds data into the digest. Whole words go through Update,
// a trailing partial word is folded byte by byte.
func (digest *CRC32C) UpdateBytes(data []byte) {
	for len(data) >= 4 {
		digest.Update(binary.BigEndian.Uint32(data))
		data = data[4:]
	}
	for _, b := range data {
		digest.crc = slicingTables[0][byte(digest.crc)^b] ^ (digest.crc >> 8)
	}
}

// Value returns the digest ready to be written to the wire with
// binary.BigEndian.PutUint32.
func (digest *CRC32C) Value() uint32 {
	return bits.ReverseBytes32(^digest.crc)
}

func ComputeOverWords(words []uint32) uint32 {
	digest := New()
	for _, word := range words {
		digest.Update(word)
	}
	return digest.Value()
}

// Checksum returns the wire value of the digest over data.
func Checksum(data []byte) uint32 {
	digest := New()
	digest.UpdateBytes(data)
	return digest.Value()
}

// Append writes the wire value of the digest over data to the end of buf.
func Append(buf []byte, data []byte) []byte {
	return binary.BigEndian.AppendUint32(buf, Checksum(data))
}
