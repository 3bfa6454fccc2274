// Package accumulate folds update batches into point-in-time snapshots.
package accumulate

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// DataSet maps row id to its current value.
type DataSet map[string]Value

// Keys returns the ids in ascending order.
func (d DataSet) Keys() []string {
	return slices.Sorted(maps.Keys(d))
}

// Clone returns a shallow copy. Values are treated as immutable so sharing them is safe.
func (d DataSet) Clone() DataSet {
	out := make(DataSet, len(d))
	maps.Copy(out, d)
	return out
}

// Strategy selects how a batch is folded into a snapshot.
type Strategy int

const (
	// Copying leaves the input snapshot untouched and returns a new one. Use it whenever a
	// previously published snapshot may still be read.
	Copying Strategy = iota
	// Mutating updates the snapshot in place. Only valid when nobody else holds it.
	Mutating
)

func (s Strategy) String() string {
	switch s {
	case Copying:
		return "copying"
	case Mutating:
		return "mutating"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy maps a config name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "copying", "copy":
		return Copying, nil
	case "mutating", "mutate", "in-place":
		return Mutating, nil
	default:
		return Copying, fmt.Errorf("unknown merge strategy %q (valid: copying, mutating)", name)
	}
}

// Merge folds updates into snapshot with this strategy.
func (s Strategy) Merge(snapshot DataSet, updates []Row, sentinel *Sentinel) DataSet {
	if s == Mutating {
		return MergeInPlace(snapshot, updates, sentinel)
	}
	return Merge(snapshot, updates, sentinel)
}

// MergePair folds each side of a pair into its own snapshot.
func (s Strategy) MergePair(snapshots [2]DataSet, pair Pair, sentinel *Sentinel) [2]DataSet {
	return [2]DataSet{
		s.Merge(snapshots[0], pair[0], sentinel),
		s.Merge(snapshots[1], pair[1], sentinel),
	}
}

// Merge returns a new snapshot holding snapshot with updates applied in order.
// A row whose value matches sentinel removes its id.
func Merge(snapshot DataSet, updates []Row, sentinel *Sentinel) DataSet {
	out := make(DataSet, len(snapshot)+len(updates))
	maps.Copy(out, snapshot)
	apply(out, updates, sentinel)
	return out
}

// MergeInPlace applies updates directly to snapshot and returns it. A nil snapshot is
// replaced by a fresh one.
func MergeInPlace(snapshot DataSet, updates []Row, sentinel *Sentinel) DataSet {
	if snapshot == nil {
		snapshot = make(DataSet, len(updates))
	}
	apply(snapshot, updates, sentinel)
	return snapshot
}

func apply(dst DataSet, updates []Row, sentinel *Sentinel) {
	for _, row := range updates {
		if sentinel.Matches(row.Value) {
			delete(dst, row.ID)
			continue
		}
		dst[row.ID] = row.Value
	}
}
