// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package serial implements 32-bit serial number arithmetic (RFC 1982) used for
// CmdSN, StatSN, DataSN and R2TSN ordering.
package serial

import (
	"fmt"
	"sync"
)

type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
)

func (ordering Ordering) String() string {
	switch ordering {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	}
	return fmt.Sprintf("Ordering(%d)", int(ordering))
}

// Number is a sequence number that wraps around at 2^32.
// Plain integer comparison of two Numbers is meaningless, use Compare.
type Number uint32

// Compare orders a relative to b. Values exactly 2^31 apart are undefined by
// RFC 1982; they are reported as Greater.
func Compare(a, b uint32) Ordering {
	difference := int32(a - b)
	switch {
	case difference == 0:
		return Equal
	case difference > 0 || difference == -1<<31:
		return Greater
	default:
		return Less
	}
}

func (number Number) Compare(other uint32) Ordering {
	return Compare(uint32(number), other)
}

func (number Number) Less(other Number) bool {
	return Compare(uint32(number), uint32(other)) == Less
}

func (number Number) LessOrEqual(other Number) bool {
	return Compare(uint32(number), uint32(other)) != Greater
}

func (number Number) Greater(other Number) bool {
	return Compare(uint32(number), uint32(other)) == Greater
}

func (number Number) GreaterOrEqual(other Number) bool {
	return Compare(uint32(number), uint32(other)) != Less
}

func (number *Number) Increment() {
	*number++
}

func (number Number) Next() Number {
	return number + 1
}

func (number Number) Add(n uint32) Number {
	return number + Number(n)
}

// Distance returns how many increments bring number to other.
func (number Number) Distance(other Number) uint32 {
	return uint32(other - number)
}

func (number Number) String() string {
	return fmt.Sprintf("0x%08x", uint32(number))
}

// InWindow reports whether low <= value <= high in serial order.
func InWindow(value, low, high Number) bool {
	return value.GreaterOrEqual(low) && value.LessOrEqual(high)
}

// Counter is a sequence number shared between goroutines. Writers are
// serialised, so each Next call hands out a distinct value.
type Counter struct {
	lock  sync.Mutex
	value Number
}

func NewCounter(initial Number) *Counter {
	return &Counter{value: initial}
}

func (counter *Counter) Load() Number {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	return counter.value
}

func (counter *Counter) Store(value Number) {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	counter.value = value
}

// Next returns the current value and increments the counter.
func (counter *Counter) Next() Number {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	value := counter.value
	counter.value++
	return value
}

func (counter *Counter) Increment() Number {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	counter.value++
	return counter.value
}

// Advance moves the counter to value if value is ahead of it and
// reports whether the counter changed.
func (counter *Counter) Advance(value Number) bool {
	counter.lock.Lock()
	defer counter.lock.Unlock()
	if !value.Greater(counter.value) {
		return false
	}
	counter.value = value
	return true
}
