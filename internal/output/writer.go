// Package output persists fetched snapshots to disk.
package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
)

// Format selects the on-disk encoding.
type Format string

const (
	// FormatJSON writes one indented document: {"height": N, "data": {...}}. Paired
	// snapshots put both sides in a two-element data array.
	FormatJSON Format = "json"
	// FormatJSONL writes one [id, value] array per line, ids ascending. Paired snapshots
	// write [side, id, value].
	FormatJSONL Format = "jsonl"
)

// ParseFormat maps a config name to a Format.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatJSON, FormatJSONL:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (valid: json, jsonl)", name)
	}
}

// Writer stores snapshots under a directory, one file per name.
type Writer struct {
	dir    string
	format Format
}

func NewWriter(dir string, format Format) *Writer {
	return &Writer{dir: dir, format: format}
}

func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the file a snapshot called name is written to.
func (w *Writer) Path(name string) string {
	return filepath.Join(w.dir, name+"."+string(w.format))
}

// Write encodes sets to a temp file next to the destination and renames it into place,
// so readers never see a partial snapshot. It returns the final path.
func (w *Writer) Write(name string, height uint64, sets ...accumulate.DataSet) (string, error) {
	destPath := w.Path(name)

	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return "", fmt.Errorf("creating directories: %w", err)
	}

	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	err = Encode(f, w.format, height, sets...)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("writing snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("renaming temp file: %w", err)
	}

	return destPath, nil
}

type document struct {
	Height uint64 `json:"height"`
	Data   any    `json:"data"`
}

// Encode writes sets to out in format. One set is a single snapshot; two are a pair.
func Encode(out io.Writer, format Format, height uint64, sets ...accumulate.DataSet) error {
	if len(sets) != 1 && len(sets) != 2 {
		return fmt.Errorf("expected 1 or 2 datasets, got %d", len(sets))
	}

	switch format {
	case FormatJSON:
		doc := document{Height: height, Data: nonNil(sets[0])}
		if len(sets) == 2 {
			doc.Data = [2]accumulate.DataSet{nonNil(sets[0]), nonNil(sets[1])}
		}
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		_, err = out.Write(append(b, '\n'))
		return err

	case FormatJSONL:
		bw := bufio.NewWriter(out)
		enc := json.NewEncoder(bw)
		for side, set := range sets {
			for _, id := range set.Keys() {
				line := []any{id, set[id]}
				if len(sets) == 2 {
					line = []any{side, id, set[id]}
				}
				if err := enc.Encode(line); err != nil {
					return fmt.Errorf("encoding %s: %w", id, err)
				}
			}
		}
		return bw.Flush()

	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func nonNil(d accumulate.DataSet) accumulate.DataSet {
	if d == nil {
		return accumulate.DataSet{}
	}
	return d
}
