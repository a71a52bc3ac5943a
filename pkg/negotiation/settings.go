// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package negotiation

import (
	"bytes"
	"strings"
)

// Settings holds the key=value pairs of one login or text exchange in the
// order they were added. Each key occurs at most once.
type Settings struct {
	keys   []Key
	values map[Key]string
}

func NewSettings() *Settings {
	return &Settings{values: make(map[Key]string)}
}

func (settings *Settings) Add(key Key, value string) error {
	if settings.values == nil {
		settings.values = make(map[Key]string)
	}
	if _, ok := settings.values[key]; ok {
		return &DuplicateKey{Key: key}
	}
	settings.keys = append(settings.keys, key)
	settings.values[key] = value
	return nil
}

// Set adds key or replaces its value in place.
func (settings *Settings) Set(key Key, value string) {
	if _, ok := settings.values[key]; ok {
		settings.values[key] = value
		return
	}
	_ = settings.Add(key, value)
}

func (settings *Settings) Get(key Key) (string, error) {
	value, ok := settings.values[key]
	if !ok {
		return "", &KeyNotFound{Key: key}
	}
	return value, nil
}

func (settings *Settings) Has(key Key) bool {
	_, ok := settings.values[key]
	return ok
}

// Value returns the value of key or an empty string.
func (settings *Settings) Value(key Key) string {
	return settings.values[key]
}

func (settings *Settings) Remove(key Key) error {
	if _, ok := settings.values[key]; !ok {
		return &KeyNotFound{Key: key}
	}
	delete(settings.values, key)
	for index, existing := range settings.keys {
		if existing == key {
			settings.keys = append(settings.keys[:index], settings.keys[index+1:]...)
			break
		}
	}
	return nil
}

// Update replaces the value of key with fn(existing, proposed).
func (settings *Settings) Update(key Key, proposed string, fn MergeFunc) error {
	existing, err := settings.Get(key)
	if err != nil {
		return err
	}
	merged, err := Negotiate(key, existing, proposed, fn)
	if err != nil {
		return err
	}
	settings.values[key] = merged
	return nil
}

func (settings *Settings) Keys() []Key {
	keys := make([]Key, len(settings.keys))
	copy(keys, settings.keys)
	return keys
}

func (settings *Settings) Len() int {
	return len(settings.keys)
}

// Equal compares the pairs of both settings ignoring their order.
func (settings *Settings) Equal(other *Settings) bool {
	if settings == nil || other == nil {
		return settings == other
	}
	if len(settings.values) != len(other.values) {
		return false
	}
	for key, value := range settings.values {
		otherValue, ok := other.values[key]
		if !ok || otherValue != value {
			return false
		}
	}
	return true
}

func (settings *Settings) Clone() *Settings {
	clone := NewSettings()
	for _, key := range settings.keys {
		_ = clone.Add(key, settings.values[key])
	}
	return clone
}

// Marshal renders the pairs as key=value strings, each terminated by NUL.
func (settings *Settings) Marshal() []byte {
	var buffer bytes.Buffer
	for _, key := range settings.keys {
		buffer.WriteString(string(key))
		buffer.WriteByte('=')
		buffer.WriteString(settings.values[key])
		buffer.WriteByte(0)
	}
	return buffer.Bytes()
}

func (settings *Settings) String() string {
	pairs := make([]string, 0, len(settings.keys))
	for _, key := range settings.keys {
		pairs = append(pairs, string(key)+"="+settings.values[key])
	}
	return "{" + strings.Join(pairs, " ") + "}"
}

// Unmarshal parses a text data segment. A missing NUL after the last pair
// and empty fragments are tolerated.
func Unmarshal(data []byte) (*Settings, error) {
	pairs, err := ParsePairs(data)
	if err != nil {
		return nil, err
	}
	settings := NewSettings()
	for _, pair := range pairs {
		if err := settings.Add(pair.Key, pair.Value); err != nil {
			return nil, err
		}
	}
	return settings, nil
}

type Pair struct {
	Key   Key
	Value string
}

// Pairs keeps repeated keys, as found in SendTargets responses.
type Pairs []Pair

func ParsePairs(data []byte) (Pairs, error) {
	var pairs Pairs
	offset := 0
	for _, fragment := range bytes.Split(data, []byte{0}) {
		start := offset
		offset += len(fragment) + 1
		if len(fragment) == 0 {
			continue
		}
		separator := bytes.IndexByte(fragment, '=')
		if separator < 0 {
			return nil, &MalformedText{Offset: start, Reason: "missing '='"}
		}
		name := string(fragment[:separator])
		if !validKeyName(name) {
			return nil, &MalformedText{Offset: start, Reason: "invalid key name " + name}
		}
		pairs = append(pairs, Pair{Key: Key(name), Value: string(fragment[separator+1:])})
	}
	return pairs, nil
}

func (pairs Pairs) Marshal() []byte {
	var buffer bytes.Buffer
	for _, pair := range pairs {
		buffer.WriteString(string(pair.Key))
		buffer.WriteByte('=')
		buffer.WriteString(pair.Value)
		buffer.WriteByte(0)
	}
	return buffer.Bytes()
}

func (pairs Pairs) Values(key Key) []string {
	var values []string
	for _, pair := range pairs {
		if pair.Key == key {
			values = append(values, pair.Value)
		}
	}
	return values
}
