// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package serial

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b uint32
		want Ordering
	}{
		{"equal", 7, 7, Equal},
		{"plain greater", 8, 7, Greater},
		{"plain less", 7, 8, Less},
		{"wrap greater", 0, 0xffffffff, Greater},
		{"wrap less", 0xffffffff, 0, Less},
		{"window edge greater", 0x7fffffff, 0, Greater},
		{"window edge less", 0x80000001, 0, Less},
		{"half range", 0x80000000, 0, Greater},
		{"half range reversed", 0, 0x80000000, Greater},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestIncrementWraps(t *testing.T) {
	number := Number(0xffffffff)
	number.Increment()
	assert.Equal(t, Number(0), number)
	assert.Equal(t, Greater, number.Compare(0xffffffff))
}

func TestIncrementOrdersAfter(t *testing.T) {
	for _, start := range []uint32{0, 1, 0x7fffffff, 0x80000000, 0xfffffffe, 0xffffffff} {
		number := Number(start)
		number.Increment()
		assert.Equal(t, Greater, number.Compare(start), "start 0x%x", start)
		assert.True(t, Number(start).Less(number))
	}
}

func TestAntisymmetry(t *testing.T) {
	values := []uint32{0, 1, 2, 0x10, 0x7ffffffe, 0x80000002, 0xfffffff0, 0xffffffff}
	for _, a := range values {
		for _, b := range values {
			if a-b == 0x80000000 {
				continue
			}
			forward := Compare(a, b)
			backward := Compare(b, a)
			assert.Equal(t, -forward, backward, "a=0x%x b=0x%x", a, b)
		}
	}
}

func TestInWindow(t *testing.T) {
	assert.True(t, InWindow(5, 5, 10))
	assert.True(t, InWindow(10, 5, 10))
	assert.False(t, InWindow(11, 5, 10))
	assert.False(t, InWindow(4, 5, 10))
	assert.True(t, InWindow(1, 0xfffffff0, 0x10))
	assert.False(t, InWindow(0x11, 0xfffffff0, 0x10))
}

func TestDistance(t *testing.T) {
	assert.Equal(t, uint32(3), Number(0xfffffffe).Distance(1))
	assert.Equal(t, Number(1), Number(0xfffffffe).Add(3))
}

func TestCounter(t *testing.T) {
	counter := NewCounter(0xfffffffe)
	require.Equal(t, Number(0xfffffffe), counter.Next())
	require.Equal(t, Number(0xffffffff), counter.Next())
	require.Equal(t, Number(0), counter.Load())
	assert.False(t, counter.Advance(0xfffffff0))
	assert.True(t, counter.Advance(5))
	assert.Equal(t, Number(5), counter.Load())
	assert.Equal(t, Number(6), counter.Increment())
	counter.Store(42)
	assert.Equal(t, Number(42), counter.Load())
}

func TestCounterConcurrentNextIsUnique(t *testing.T) {
	counter := NewCounter(0xffffff00)
	const workers, perWorker = 8, 100
	results := make(chan Number, workers*perWorker)
	var group sync.WaitGroup
	for i := 0; i < workers; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			for j := 0; j < perWorker; j++ {
				results <- counter.Next()
			}
		}()
	}
	group.Wait()
	close(results)
	seen := make(map[Number]struct{})
	for value := range results {
		_, duplicate := seen[value]
		require.False(t, duplicate, "value %s handed out twice", value)
		seen[value] = struct{}{}
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, Number(0xffffff00).Add(workers*perWorker), counter.Load())
}
