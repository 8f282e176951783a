// Package metadata defines the structure of the metadata supported by gRPC
// library. Metadata is an ordered multimap of string keys to either UTF-8
// string values or opaque byte-string values (keys ending in "-bin").
package metadata

import (
	"fmt"
	"strings"
)

// BinHeaderSuffix is the suffix that marks a metadata key as carrying a
// binary (base64-on-the-wire) value.
const BinHeaderSuffix = "-bin"

// MD is an ordered multimap from metadata keys to values. Keys are
// case-insensitively lowercased on entry, matching HTTP/2 header semantics.
type MD struct {
	keys   []string
	values map[string][]string
}

// New creates an MD from a given key-value map.
func New(m map[string]string) MD {
	md := MD{values: make(map[string][]string, len(m))}
	for k, v := range m {
		md.Append(k, v)
	}
	return md
}

// Pairs returns an MD formed by the mapping of key, value ...
// Pairs panics if len(kv) is odd.
func Pairs(kv ...string) MD {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: Pairs got the odd number of input pairs for metadata: %d", len(kv)))
	}
	md := MD{values: make(map[string][]string, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

func keyOf(k string) string { return strings.ToLower(k) }

// Append adds a value for key, preserving insertion order across distinct
// keys.
func (md *MD) Append(k, v string) {
	if md.values == nil {
		md.values = make(map[string][]string)
	}
	lk := keyOf(k)
	if _, ok := md.values[lk]; !ok {
		md.keys = append(md.keys, lk)
	}
	md.values[lk] = append(md.values[lk], v)
}

// Set sets the value of key, discarding any existing values.
func (md *MD) Set(k, v string) {
	lk := keyOf(k)
	if _, ok := md.values[lk]; !ok {
		md.keys = append(md.keys, lk)
	}
	if md.values == nil {
		md.values = make(map[string][]string)
	}
	md.values[lk] = []string{v}
}

// Get obtains the values for a given key.
func (md MD) Get(k string) []string {
	return md.values[keyOf(k)]
}

// Len returns the number of items in md.
func (md MD) Len() int {
	n := 0
	for _, k := range md.keys {
		n += len(md.values[k])
	}
	return n
}

// Keys returns the metadata's keys in first-insertion order.
func (md MD) Keys() []string {
	return append([]string(nil), md.keys...)
}

// Copy returns a copy of md.
func (md MD) Copy() MD {
	out := MD{keys: append([]string(nil), md.keys...), values: make(map[string][]string, len(md.values))}
	for k, v := range md.values {
		out.values[k] = append([]string(nil), v...)
	}
	return out
}

// Delete removes the values for key k.
func (md *MD) Delete(k string) {
	lk := keyOf(k)
	if _, ok := md.values[lk]; !ok {
		return
	}
	delete(md.values, lk)
	for i, kk := range md.keys {
		if kk == lk {
			md.keys = append(md.keys[:i], md.keys[i+1:]...)
			break
		}
	}
}

// Join joins any number of mds into a single MD, later entries taking
// precedence in ordering but all values retained.
func Join(mds ...MD) MD {
	out := MD{values: make(map[string][]string)}
	for _, md := range mds {
		for _, k := range md.keys {
			for _, v := range md.values[k] {
				out.Append(k, v)
			}
		}
	}
	return out
}

// Range calls f for every (key, value) pair in insertion order; iteration
// stops if f returns false.
func (md MD) Range(f func(k, v string) bool) {
	for _, k := range md.keys {
		for _, v := range md.values[k] {
			if !f(k, v) {
				return
			}
		}
	}
}

// IsBinaryKey reports whether k is a binary ("-bin") metadata key.
func IsBinaryKey(k string) bool {
	return strings.HasSuffix(keyOf(k), BinHeaderSuffix)
}
