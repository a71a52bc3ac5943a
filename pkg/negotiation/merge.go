// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package negotiation

import (
	"strconv"
	"strings"
)

// MergeFunc reconciles the value already held for a key with a proposal
// from the other side and returns the agreed value.
type MergeFunc func(existing, proposed string) (string, error)

func parseBool(value string) (bool, error) {
	switch value {
	case Yes:
		return true, nil
	case No:
		return false, nil
	}
	return false, &InvalidValue{Value: value, Reason: "expected Yes or No"}
}

func formatBool(value bool) string {
	if value {
		return Yes
	}
	return No
}

// ParseNumber accepts the decimal and 0x-prefixed hexadecimal forms of
// RFC 3720 numerical values.
func ParseNumber(value string) (uint64, error) {
	var (
		number uint64
		err    error
	)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		number, err = strconv.ParseUint(value[2:], 16, 64)
	} else {
		number, err = strconv.ParseUint(value, 10, 64)
	}
	if err != nil {
		return 0, &InvalidValue{Value: value, Reason: "expected a number"}
	}
	return number, nil
}

// And yields Yes only when both sides say Yes.
func And(existing, proposed string) (string, error) {
	left, err := parseBool(existing)
	if err != nil {
		return "", err
	}
	right, err := parseBool(proposed)
	if err != nil {
		return "", err
	}
	return formatBool(left && right), nil
}

// Or yields Yes when either side says Yes.
func Or(existing, proposed string) (string, error) {
	left, err := parseBool(existing)
	if err != nil {
		return "", err
	}
	right, err := parseBool(proposed)
	if err != nil {
		return "", err
	}
	return formatBool(left || right), nil
}

func numericMerge(existing, proposed string, pick func(a, b uint64) uint64) (string, error) {
	left, err := ParseNumber(existing)
	if err != nil {
		return "", err
	}
	right, err := ParseNumber(proposed)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(pick(left, right), 10), nil
}

func Min(existing, proposed string) (string, error) {
	return numericMerge(existing, proposed, func(a, b uint64) uint64 { return min(a, b) })
}

func Max(existing, proposed string) (string, error) {
	return numericMerge(existing, proposed, func(a, b uint64) uint64 { return max(a, b) })
}

// Choose returns the first entry of the existing preference list that the
// proposed list also contains.
func Choose(existing, proposed string) (string, error) {
	offered := make(map[string]struct{})
	for _, value := range strings.Split(proposed, ",") {
		offered[strings.TrimSpace(value)] = struct{}{}
	}
	for _, value := range strings.Split(existing, ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := offered[value]; ok {
			return value, nil
		}
	}
	return "", &NoCommonChoice{Local: existing, Remote: proposed}
}

// Declare keeps the proposed value; declarative keys are not merged.
func Declare(_, proposed string) (string, error) {
	return proposed, nil
}

// Negotiate combines the local and remote values of key with fn. A nil fn
// selects the merge function registered for key.
func Negotiate(key Key, local, remote string, fn MergeFunc) (string, error) {
	if fn == nil {
		registered, ok := MergeFor(key)
		if !ok {
			return "", &KeyNotFound{Key: key}
		}
		fn = registered
	}
	value, err := fn(local, remote)
	if err != nil {
		if invalid, ok := err.(*InvalidValue); ok && invalid.Key == "" {
			invalid.Key = key
		}
		return "", err
	}
	return value, nil
}
