package payload

import (
	"bytes"
)

// KeyFold maps a composite key emitted by some QA server releases onto the
// canonical key the filters navigate by.
type KeyFold struct {
	From string
	To   string
}

// DefaultKeyFolds lists the composite keys known to appear in check detail
// payloads. Older server builds serialise section names with spaces, dots or
// dashes, and the dotted forms are ambiguous once flattened into paths.
var DefaultKeyFolds = []KeyFold{
	{From: "fraction group info", To: "fractionGroupInfo"},
	{From: "fraction_group_info", To: "fractionGroupInfo"},
	{From: "beam.info", To: "beamInfo"},
	{From: "beam info", To: "beamInfo"},
	{From: "roi.info", To: "roiInfo"},
	{From: "roi info", To: "roiInfo"},
	{From: "gamma.summary", To: "gammaSummary"},
	{From: "limit set", To: "limitSet"},
	{From: "stray-voxel", To: "strayVoxel"},
	{From: "tps info", To: "tpsInfo"},
	{From: "ct info", To: "ctInfo"},
	{From: "task.timings", To: "taskTimings"},
}

// Signed forms first so the sign is consumed with the token.
var nonFiniteTokens = [][]byte{[]byte("-Infinity"), []byte("-NaN"), []byte("Infinity"), []byte("NaN")}

var null = []byte("null")

func isIdentByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' || c == '+' ||
		(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Sanitize replaces bare NaN, Infinity and -Infinity tokens with null. They
// are not valid JSON and make the whole document undecodable. Text inside
// string literals is copied through unchanged.
func Sanitize(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			out = append(out, c)
			continue
		}
		if c == '"' {
			inString = true
			out = append(out, c)
			continue
		}
		if n := nonFiniteAt(raw, i); n > 0 {
			out = append(out, null...)
			i += n - 1
			continue
		}
		out = append(out, c)
	}
	return out
}

// nonFiniteAt returns the length of a standalone non-finite token starting at
// raw[i], or 0.
func nonFiniteAt(raw []byte, i int) int {
	if i > 0 && isIdentByte(raw[i-1]) {
		return 0
	}
	for _, tok := range nonFiniteTokens {
		if !bytes.HasPrefix(raw[i:], tok) {
			continue
		}
		end := i + len(tok)
		if end < len(raw) && isIdentByte(raw[end]) {
			return 0
		}
		return len(tok)
	}
	return 0
}

// Sanitizer decodes raw detail payloads and renames composite object keys
// after decoding, so string values are never touched. It is a compatibility
// shim only and knows nothing about filtering.
type Sanitizer struct {
	folds []KeyFold
}

// NewSanitizer uses the given fold table. When several folds target the same
// key, a canonical key already present wins, then the earliest fold in the
// table.
func NewSanitizer(folds []KeyFold) *Sanitizer {
	return &Sanitizer{folds: append([]KeyFold(nil), folds...)}
}

var defaultSanitizer = NewSanitizer(DefaultKeyFolds)

// Parse replaces non-finite tokens, decodes raw and folds keys at every depth.
func (s *Sanitizer) Parse(raw []byte) (Node, error) {
	n, err := Parse(Sanitize(raw))
	if err != nil {
		return Node{}, err
	}
	return Wrap(s.fold(n.Raw())), nil
}

func (s *Sanitizer) fold(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			t[k] = s.fold(child)
		}
		for _, f := range s.folds {
			child, ok := t[f.From]
			if !ok {
				continue
			}
			delete(t, f.From)
			if _, exists := t[f.To]; !exists {
				t[f.To] = child
			}
		}
	case []interface{}:
		for i := range t {
			t[i] = s.fold(t[i])
		}
	}
	return v
}

// ParseSanitized decodes raw with DefaultKeyFolds.
func ParseSanitized(raw []byte) (Node, error) {
	return defaultSanitizer.Parse(raw)
}
