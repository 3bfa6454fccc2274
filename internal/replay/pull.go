package replay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/stream"
	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

var errBadCursor = errors.New("invalid pagination.key")

type pullQuery struct {
	cursor    int
	hasCursor bool
	from      uint64
	hasFrom   bool
	to        uint64
	hasTo     bool
	capped    bool
}

func parsePullQuery(r *http.Request) (pullQuery, error) {
	q := r.URL.Query()
	var pq pullQuery

	if key := q.Get(stream.ParamKey); key != "" {
		idx, err := decodeCursor(key)
		if err != nil {
			return pq, err
		}
		pq.cursor, pq.hasCursor = idx, true
	}
	if v := q.Get(stream.ParamFromHeight); v != "" {
		h, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return pq, fmt.Errorf("invalid %s: %w", stream.ParamFromHeight, err)
		}
		pq.from, pq.hasFrom = h, true
	}
	if v := q.Get(stream.ParamToHeight); v != "" {
		h, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return pq, fmt.Errorf("invalid %s: %w", stream.ParamToHeight, err)
		}
		pq.to, pq.hasTo = h, true
	}
	pq.capped = q.Has(stream.ParamBefore)
	return pq, nil
}

// window returns the [start, end) entry range visible to the query given revealed
// entries, before page size is applied.
func (s *Server) window(pq pullQuery, revealed int) (int, int) {
	start := 0
	switch {
	case pq.hasCursor:
		start = pq.cursor
	case pq.hasFrom && pq.from > 0:
		start = s.log.After(pq.from)
	}

	end := revealed
	if pq.hasTo {
		end = min(end, s.log.After(pq.to))
	}
	return start, end
}

// handlePull serves one page. When nothing newer than from_height is visible and the
// request is not capped, it holds the request until a new entry is revealed or the
// long-poll window closes.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	pq, err := parsePullQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	revealed, changed := s.chain.Revealed()
	start, end := s.window(pq, revealed)

	if start >= end && !pq.capped && !pq.hasCursor && !s.ceilingReached(pq) {
		timer := time.NewTimer(s.config.LongPoll)
		defer timer.Stop()

	wait:
		for start >= end {
			select {
			case <-r.Context().Done():
				return
			case <-timer.C:
				break wait
			case <-changed:
				revealed, changed = s.chain.Revealed()
				start, end = s.window(pq, revealed)
			}
		}
	}

	page, err := s.buildPage(pq, start, end)
	if err != nil {
		s.logger.Error("building page", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	telemetry.ReplayPagesTotal.Inc()
	writeJSON(w, http.StatusOK, page)
}

// ceilingReached reports whether to_height is already visible, so waiting cannot help.
func (s *Server) ceilingReached(pq pullQuery) bool {
	if !pq.hasTo {
		return false
	}
	tip, ok := s.chain.Tip()
	return ok && tip >= pq.to
}

type pageBody struct {
	Data       json.RawMessage   `json:"data"`
	Pagination stream.Pagination `json:"pagination"`
	BlockRange stream.BlockRange `json:"block_range"`
}

func (s *Server) buildPage(pq pullQuery, start, end int) (*pageBody, error) {
	stop := min(end, start+s.config.PageSize)

	acc := newBatchAccumulator(s.config.Dual)
	for i := start; i < stop; i++ {
		entry, err := s.log.Entry(i)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if err := acc.add(entry.Data); err != nil {
			return nil, fmt.Errorf("entry %d at height %d: %w", i, entry.Height, err)
		}
	}

	data, err := acc.marshal()
	if err != nil {
		return nil, err
	}

	page := &pageBody{
		Data:       data,
		BlockRange: stream.BlockRange{FromHeight: pq.from},
	}
	switch {
	case stop > start:
		page.BlockRange.ToHeight = s.log.Height(stop - 1)
	case pq.hasFrom:
		page.BlockRange.ToHeight = pq.from
	}
	if stop < end {
		next := encodeCursor(stop)
		page.Pagination.NextKey = &next
	}
	return page, nil
}

// batchAccumulator concatenates the row arrays of consecutive entries.
type batchAccumulator struct {
	dual  bool
	sides [2][]json.RawMessage
}

func newBatchAccumulator(dual bool) *batchAccumulator {
	return &batchAccumulator{
		dual:  dual,
		sides: [2][]json.RawMessage{{}, {}},
	}
}

func (a *batchAccumulator) add(data json.RawMessage) error {
	if !a.dual {
		var rows []json.RawMessage
		if err := json.Unmarshal(data, &rows); err != nil {
			return err
		}
		a.sides[0] = append(a.sides[0], rows...)
		return nil
	}

	var pair [][]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("expected 2 row arrays, got %d", len(pair))
	}
	a.sides[0] = append(a.sides[0], pair[0]...)
	a.sides[1] = append(a.sides[1], pair[1]...)
	return nil
}

func (a *batchAccumulator) marshal() (json.RawMessage, error) {
	if !a.dual {
		return json.Marshal(a.sides[0])
	}
	return json.Marshal(a.sides)
}

func encodeCursor(index int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(index)))
}

func decodeCursor(key string) (int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return 0, errBadCursor
	}
	idx, err := strconv.Atoi(string(raw))
	if err != nil || idx < 0 {
		return 0, errBadCursor
	}
	return idx, nil
}
