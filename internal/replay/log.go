package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrIndexOutOfBounds = errors.New("index out of bounds")
	ErrOutOfOrder       = errors.New("heights must be strictly increasing")
	ErrEmptyLog         = errors.New("height log has no entries")
)

// Entry is one line of a height log.
type Entry struct {
	Height uint64          `json:"height"`
	Data   json.RawMessage `json:"data"`
}

// Log reads a JSONL height log on demand using byte offset indexing. Heights are kept in
// memory for lookups; payloads stay on disk.
type Log struct {
	path    string
	file    *os.File
	offsets []int64
	lengths []int
	heights []uint64

	mu     sync.Mutex
	logger *zap.Logger
}

// OpenLog indexes path and keeps the file open for later reads.
func OpenLog(path string, logger *zap.Logger) (*Log, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening height log: %w", err)
	}

	l := &Log{path: path, file: file, logger: logger}
	if err := l.index(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("indexing %s: %w", path, err)
	}
	if len(l.offsets) == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyLog)
	}

	logger.Info("indexed height log",
		zap.String("path", path),
		zap.Int("entries", len(l.offsets)),
		zap.Uint64("first_height", l.heights[0]),
		zap.Uint64("last_height", l.heights[len(l.heights)-1]),
	)
	return l, nil
}

// index scans the file and records byte offsets and heights for each non-empty line.
func (l *Log) index() error {
	var offset int64
	reader := bufio.NewReader(l.file)

	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var head struct {
					Height *uint64 `json:"height"`
				}
				if err := json.Unmarshal(trimmed, &head); err != nil {
					return fmt.Errorf("line %d: %w", lineNo, err)
				}
				if head.Height == nil {
					return fmt.Errorf("line %d: missing height", lineNo)
				}
				if n := len(l.heights); n > 0 && *head.Height <= l.heights[n-1] {
					return fmt.Errorf("line %d: height %d after %d: %w", lineNo, *head.Height, l.heights[n-1], ErrOutOfOrder)
				}
				l.offsets = append(l.offsets, offset)
				l.lengths = append(l.lengths, len(line))
				l.heights = append(l.heights, *head.Height)
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		offset += int64(len(line))
	}
}

// Len returns the number of entries.
func (l *Log) Len() int { return len(l.offsets) }

// Height returns the height of entry i.
func (l *Log) Height(i int) uint64 { return l.heights[i] }

// After returns the index of the first entry whose height is greater than height.
func (l *Log) After(height uint64) int {
	return sort.Search(len(l.heights), func(i int) bool { return l.heights[i] > height })
}

// Entry reads entry i from disk.
func (l *Log) Entry(i int) (Entry, error) {
	if i < 0 || i >= len(l.offsets) {
		return Entry{}, ErrIndexOutOfBounds
	}

	buf := make([]byte, l.lengths[i])
	l.mu.Lock()
	_, err := l.file.ReadAt(buf, l.offsets[i])
	l.mu.Unlock()
	if err != nil && !errors.Is(err, io.EOF) {
		return Entry{}, fmt.Errorf("read error: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(buf, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal error: %w", err)
	}
	return e, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		l.logger.Warn("failed to close height log", zap.String("path", l.path), zap.Error(err))
		return err
	}
	return nil
}
