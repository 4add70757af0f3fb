// Package payload provides a schema-less view over decoded JSON documents
// returned by the QA server. Every accessor is absent-safe: navigating into a
// missing or wrongly typed subtree yields an empty Node instead of panicking,
// and scalar accessors report presence alongside the value.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Node is a single position in a decoded document. The zero value is an
// absent node.
type Node struct {
	v       interface{}
	present bool
}

// Parse decodes raw JSON into a Node tree.
func Parse(raw []byte) (Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Node{}, fmt.Errorf("empty payload")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Node{}, fmt.Errorf("decode payload: %w", err)
	}
	return Wrap(v), nil
}

// Wrap turns an already decoded value into a Node. A nil value is treated as
// absent, matching JSON null semantics.
func Wrap(v interface{}) Node {
	if v == nil {
		return Node{}
	}
	return Node{v: v, present: true}
}

// Exists reports whether the node holds a non-null value.
func (n Node) Exists() bool { return n.present }

// Raw returns the underlying decoded value.
func (n Node) Raw() interface{} { return n.v }

// Get walks a chain of object keys. Any missing key, or a non-object along the
// way, yields an absent node.
func (n Node) Get(keys ...string) Node {
	cur := n
	for _, k := range keys {
		m, ok := cur.v.(map[string]interface{})
		if !ok {
			return Node{}
		}
		val, ok := m[k]
		if !ok {
			return Node{}
		}
		cur = Wrap(val)
	}
	return cur
}

// Index returns the i-th element of an array node.
func (n Node) Index(i int) Node {
	arr, ok := n.v.([]interface{})
	if !ok || i < 0 || i >= len(arr) {
		return Node{}
	}
	return Wrap(arr[i])
}

// Len returns the number of entries of an object or array node, 0 otherwise.
func (n Node) Len() int {
	switch v := n.v.(type) {
	case map[string]interface{}:
		return len(v)
	case []interface{}:
		return len(v)
	}
	return 0
}

// IsObject reports whether the node is a JSON object.
func (n Node) IsObject() bool {
	_, ok := n.v.(map[string]interface{})
	return ok
}

// IsArray reports whether the node is a JSON array.
func (n Node) IsArray() bool {
	_, ok := n.v.([]interface{})
	return ok
}

// Keys returns the keys of an object node in natural order: numeric keys
// ascending by value first, then the remaining keys lexically. Beam and ROI
// maps are keyed by opaque, non-contiguous ids, so callers must not assume
// any particular key exists.
func (n Node) Keys() []string {
	m, ok := n.v.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return naturalLess(keys[i], keys[j])
	})
	return keys
}

// Each calls fn for every entry of an object node in Keys order. For arrays
// the key is the decimal index. Iteration stops when fn returns false.
func (n Node) Each(fn func(key string, child Node) bool) {
	switch v := n.v.(type) {
	case map[string]interface{}:
		for _, k := range n.Keys() {
			if !fn(k, Wrap(v[k])) {
				return
			}
		}
	case []interface{}:
		for i, item := range v {
			if !fn(strconv.Itoa(i), Wrap(item)) {
				return
			}
		}
	}
}

// Items returns the elements of an array node.
func (n Node) Items() []Node {
	arr, ok := n.v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]Node, 0, len(arr))
	for _, item := range arr {
		out = append(out, Wrap(item))
	}
	return out
}

// String returns the node as text. Numbers and booleans are formatted so that
// loosely typed fields (a TPS version sent as 15.6, say) still read back.
func (n Node) String() (string, bool) {
	switch v := n.v.(type) {
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}

// StringOr returns the text value or def when absent.
func (n Node) StringOr(def string) string {
	if s, ok := n.String(); ok {
		return s
	}
	return def
}

// Float returns the node as a number. Numeric strings are accepted.
func (n Node) Float() (float64, bool) {
	switch v := n.v.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// FloatOr returns the numeric value or def when absent.
func (n Node) FloatOr(def float64) float64 {
	if f, ok := n.Float(); ok {
		return f
	}
	return def
}

// Int returns the node truncated to an int.
func (n Node) Int() (int, bool) {
	f, ok := n.Float()
	if !ok {
		return 0, false
	}
	return int(f), true
}

// IntOr returns the integer value or def when absent.
func (n Node) IntOr(def int) int {
	if i, ok := n.Int(); ok {
		return i
	}
	return def
}

// Bool returns the node as a boolean. "true"/"false" strings and 0/1 numbers
// are accepted.
func (n Node) Bool() (bool, bool) {
	switch v := n.v.(type) {
	case bool:
		return v, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return b, err == nil
	case float64:
		return v != 0, true
	}
	return false, false
}

// Floats returns the numeric elements of an array node, skipping non-numeric
// entries.
func (n Node) Floats() []float64 {
	items := n.Items()
	if len(items) == 0 {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		if f, ok := item.Float(); ok {
			out = append(out, f)
		}
	}
	return out
}

func naturalLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		if ai != bi {
			return ai < bi
		}
		return a < b
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}
