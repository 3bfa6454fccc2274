package stream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Query parameters understood by the remote endpoint.
const (
	ParamBefore     = "pagination.before"
	ParamKey        = "pagination.key"
	ParamFromHeight = "block_range.from_height"
	ParamToHeight   = "block_range.to_height"
)

// Live event names.
const (
	EventUpdate = "update"
	EventEnd    = "end"
	EventError  = "error"
)

// Decoder turns a raw batch payload into the controller's batch type.
type Decoder[T any] func(raw json.RawMessage) (T, error)

// Page is one pull response.
type Page struct {
	Data       json.RawMessage `json:"data"`
	Pagination *Pagination     `json:"pagination,omitempty"`
	BlockRange *BlockRange     `json:"block_range,omitempty"`
}

type Pagination struct {
	NextKey *string `json:"next_key"`
}

type BlockRange struct {
	FromHeight uint64 `json:"from_height"`
	ToHeight   uint64 `json:"to_height"`
}

// NextKey returns the continuation token, or "" when the window is exhausted.
func (p *Page) NextKey() string {
	if p.Pagination == nil || p.Pagination.NextKey == nil {
		return ""
	}
	return *p.Pagination.NextKey
}

// ParseEventID extracts the height from a "<height>:<seq>" event id. A bare integer is
// accepted. ok is false for an empty id.
func ParseEventID(id string) (height uint64, ok bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, false, nil
	}
	head, _, _ := strings.Cut(id, ":")
	height, err = strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: event id %q has no height", ErrMalformedPayload, id)
	}
	return height, true, nil
}

// WithBefore caps endpoint at a fixed "as of" horizon so a subscription converges instead
// of tailing forever.
func WithBefore(endpoint string, at time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	q := u.Query()
	q.Set(ParamBefore, strconv.FormatInt(at.Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// httpURL maps websocket schemes onto their HTTP equivalents for polling.
func httpURL(u *url.URL) *url.URL {
	out := *u
	switch u.Scheme {
	case "ws":
		out.Scheme = "http"
	case "wss":
		out.Scheme = "https"
	}
	return &out
}

func isSocketURL(u *url.URL) bool {
	return u.Scheme == "ws" || u.Scheme == "wss"
}
