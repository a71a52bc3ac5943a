// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package digest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math/bits"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wordsOf(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(data[i*4:])
	}
	return words
}

func TestKnownVectors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"32 zero bytes", make([]byte, 32), 0xaa36918a},
		{"32 0xff bytes", bytes.Repeat([]byte{0xff}, 32), 0x43aba862},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeOverWords(wordsOf(tt.data)))
			assert.Equal(t, tt.want, Checksum(tt.data))
		})
	}
}

func TestIncreasingBytes(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	// RFC 3720 B.4 wire bytes: 4e 79 dd 46
	assert.Equal(t, uint32(0x4e79dd46), Checksum(data))
	wire := binary.BigEndian.AppendUint32(nil, Checksum(data))
	assert.Equal(t, []byte{0x4e, 0x79, 0xdd, 0x46}, wire)
}

func TestMatchesCastagnoliTable(t *testing.T) {
	table := crc32.MakeTable(crc32.Castagnoli)
	random := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 4, 8, 48, 52, 512, 4096} {
		data := make([]byte, size)
		random.Read(data)
		want := bits.ReverseBytes32(crc32.Checksum(data, table))
		assert.Equal(t, want, ComputeOverWords(wordsOf(data)), "size %d", size)
	}
}

func TestUnalignedTail(t *testing.T) {
	table := crc32.MakeTable(crc32.Castagnoli)
	data := []byte("iqn.2018-01.com.example:disk1")
	require.NotZero(t, len(data)%4)
	assert.Equal(t, bits.ReverseBytes32(crc32.Checksum(data, table)), Checksum(data))
}

func TestResetRestartsComputation(t *testing.T) {
	digest := New()
	digest.Update(0xdeadbeef)
	digest.Reset()
	for i := 0; i < 8; i++ {
		digest.Update(0)
	}
	assert.Equal(t, uint32(0xaa36918a), digest.Value())
}

func TestIncrementalEqualsWhole(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4, 5, 6, 7}, 20)[:136]
	digest := New()
	digest.UpdateBytes(data[:48])
	digest.UpdateBytes(data[48:])
	assert.Equal(t, Checksum(data), digest.Value())
}

func TestAppendWritesWireOrder(t *testing.T) {
	out := Append([]byte{0xee}, make([]byte, 32))
	assert.Equal(t, []byte{0xee, 0xaa, 0x36, 0x91, 0x8a}, out)
}
