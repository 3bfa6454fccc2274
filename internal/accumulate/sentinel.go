package accumulate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Sentinel is the removal marker: an update carrying this value deletes its id.
// A nil *Sentinel never matches.
type Sentinel struct {
	value any
}

// NewSentinel wraps v as a removal marker.
func NewSentinel(v any) *Sentinel {
	return &Sentinel{value: v}
}

// ParseSentinel reads a JSON literal such as `0`, `"deleted"` or `null`.
// An empty string means no sentinel.
func ParseSentinel(literal string) (*Sentinel, error) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return nil, nil
	}
	v, err := decodeAny([]byte(literal))
	if err != nil {
		return nil, fmt.Errorf("removal sentinel %q is not a JSON literal: %w", literal, err)
	}
	return NewSentinel(v), nil
}

// Value returns the wrapped marker.
func (s *Sentinel) Value() any {
	if s == nil {
		return nil
	}
	return s.value
}

// Matches reports whether v equals the marker. Numbers compare by value.
func (s *Sentinel) Matches(v Value) bool {
	if s == nil {
		return false
	}
	return Equal(s.value, v)
}

// Equal compares two row values, treating every numeric representation alike.
func Equal(a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
