// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package negotiation

import "fmt"

type DuplicateKey struct {
	Key Key
}

func (err *DuplicateKey) Error() string {
	return fmt.Sprintf("key %q is already present", err.Key)
}

type KeyNotFound struct {
	Key Key
}

func (err *KeyNotFound) Error() string {
	return fmt.Sprintf("key %q not found", err.Key)
}

type NoCommonChoice struct {
	Local  string
	Remote string
}

func (err *NoCommonChoice) Error() string {
	return fmt.Sprintf("no common value between %q and %q", err.Local, err.Remote)
}

type InvalidValue struct {
	Key    Key
	Value  string
	Reason string
}

func (err *InvalidValue) Error() string {
	if err.Key == "" {
		return fmt.Sprintf("invalid value %q: %s", err.Value, err.Reason)
	}
	return fmt.Sprintf("invalid value %q for key %s: %s", err.Value, err.Key, err.Reason)
}

// MalformedText is returned when a text data segment is not a sequence of
// key=value pairs separated by NUL bytes.
type MalformedText struct {
	Offset int
	Reason string
}

func (err *MalformedText) Error() string {
	return fmt.Sprintf("malformed text at offset %d: %s", err.Offset, err.Reason)
}
