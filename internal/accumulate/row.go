package accumulate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrInvalidRow = errors.New("invalid row")
	ErrInvalidKey = errors.New("invalid row id")
)

// Value is a row value: a primitive (string, json.Number, bool or nil) or a []any sequence
// of primitives.
type Value = any

// Row is one keyed update inside a batch.
type Row struct {
	ID    string
	Value Value
}

// Pair is an update batch for two height-synchronized datasets.
type Pair [2][]Row

// UnmarshalJSON accepts [id, v], [id, [v]], [id, v1, v2, ...] and {"id": .., "value": ..}.
// A value part with exactly one element is stored as that element.
func (r *Row) UnmarshalJSON(b []byte) error {
	raw, err := decodeAny(b)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}

	switch v := raw.(type) {
	case []any:
		if len(v) < 2 {
			return fmt.Errorf("%w: need an id and a value, got %d elements", ErrInvalidRow, len(v))
		}
		id, err := keyOf(v[0])
		if err != nil {
			return err
		}
		r.ID = id
		r.Value = flatten(v[1:])

	case map[string]any:
		idv, ok := v["id"]
		if !ok {
			return fmt.Errorf("%w: object row without id", ErrInvalidRow)
		}
		id, err := keyOf(idv)
		if err != nil {
			return err
		}
		r.ID = id
		r.Value = flatten([]any{v["value"]})

	default:
		return fmt.Errorf("%w: unexpected %T", ErrInvalidRow, raw)
	}

	return nil
}

// MarshalJSON writes the row back as [id, value].
func (r Row) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.ID, r.Value})
}

// DecodeRows decodes a JSON array of rows. A null or empty payload is an empty batch.
func DecodeRows(raw json.RawMessage) ([]Row, error) {
	if isEmpty(raw) {
		return nil, nil
	}
	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// DecodePair decodes a JSON array holding exactly two row arrays.
func DecodePair(raw json.RawMessage) (Pair, error) {
	var pair Pair
	if isEmpty(raw) {
		return pair, nil
	}

	var sides []json.RawMessage
	if err := json.Unmarshal(raw, &sides); err != nil {
		return pair, err
	}
	if len(sides) != 2 {
		return pair, fmt.Errorf("%w: expected 2 row arrays, got %d", ErrInvalidRow, len(sides))
	}

	for i, side := range sides {
		rows, err := DecodeRows(side)
		if err != nil {
			return pair, fmt.Errorf("side %d: %w", i, err)
		}
		pair[i] = rows
	}
	return pair, nil
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeAny(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func flatten(vals []any) Value {
	if len(vals) != 1 {
		return vals
	}
	if seq, ok := vals[0].([]any); ok && len(seq) == 1 {
		return seq[0]
	}
	return vals[0]
}

// keyOf canonicalizes a primitive id. Numbers are keyed by their decimal text so that
// 1, 1.0 and "1" address the same row.
func keyOf(v any) (string, error) {
	switch id := v.(type) {
	case string:
		return id, nil
	case json.Number:
		if i, err := strconv.ParseInt(id.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := id.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrInvalidKey, id)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%w: %T is not a string or number", ErrInvalidKey, v)
	}
}
