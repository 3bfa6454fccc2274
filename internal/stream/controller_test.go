package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
)

type recorder struct {
	mu        sync.Mutex
	batches   [][]accumulate.Row
	heights   []uint64
	completed []uint64
	errs      []error
}

func (r *recorder) handler() Handler[[]accumulate.Row] {
	return Handler[[]accumulate.Row]{
		OnUpdate: func(batch []accumulate.Row, height uint64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.batches = append(r.batches, batch)
			r.heights = append(r.heights, height)
		},
		OnCompleted: func(height uint64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, height)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() (heights, completed []uint64, errs []error, batches int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.heights...),
		append([]uint64(nil), r.completed...),
		append([]error(nil), r.errs...),
		len(r.batches)
}

func testOptions(t *testing.T) Options {
	return Options{
		Backoff:       func(int) time.Duration { return time.Millisecond },
		RatePerSecond: -1,
		Logger:        zaptest.NewLogger(t),
	}
}

func waitDone[T any](t *testing.T, c *Controller[T]) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("controller did not finish, state %s", c.State())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func page(data string, next *string, to uint64) map[string]any {
	return map[string]any{
		"data":        json.RawMessage(data),
		"pagination":  map[string]any{"next_key": next},
		"block_range": map[string]any{"from_height": 0, "to_height": to},
	}
}

func strptr(s string) *string { return &s }

func capped(base string) string {
	u, _ := WithBefore(base+"/v1/stream", time.Unix(1700000000, 0))
	return u
}

func TestController_PaginationExhaustion(t *testing.T) {
	var keys []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get(ParamKey)
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()

		if r.URL.Query().Get(ParamBefore) == "" {
			t.Errorf("expected %s on every request", ParamBefore)
		}

		switch key {
		case "":
			writeJSON(w, page(`[[1,"a"]]`, strptr("a"), 5))
		case "a":
			writeJSON(w, page(`[[2,"b"]]`, nil, 5))
		default:
			t.Errorf("unexpected key %q", key)
		}
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true

	c, err := New(capped(server.URL), accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, StateCompleted, c.State())

	heights, completed, errs, batches := rec.snapshot()
	assert.Equal(t, 2, batches)
	assert.Equal(t, []uint64{5, 5}, heights)
	assert.Equal(t, []uint64{5}, completed)
	assert.Empty(t, errs)
	mu.Lock()
	assert.Equal(t, []string{"", "a"}, keys)
	mu.Unlock()
}

func TestController_RetryExhaustion(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true

	c, err := New(capped(server.URL), accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	err = c.Wait()
	require.ErrorIs(t, err, ErrRetryBudgetExhausted)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, int32(DefaultRetryBudget+1), requests.Load())

	_, completed, errs, batches := rec.snapshot()
	assert.Empty(t, completed)
	assert.Zero(t, batches)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrRetryBudgetExhausted)
}

func TestController_RetryRecovers(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, page(`[[1,"a"]]`, nil, 1))
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true

	var delays []int
	opts.Backoff = func(retry int) time.Duration {
		delays = append(delays, retry)
		return time.Millisecond
	}

	c, err := New(capped(server.URL), accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, []int{1, 2}, delays)
	_, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{1}, completed)
	assert.Empty(t, errs)
}

func TestController_MalformedPageIsFatal(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": [["only-an-id"]]}`))
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true

	c, err := New(capped(server.URL), accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.ErrorIs(t, c.Wait(), ErrMalformedPayload)
	assert.Equal(t, int32(1), requests.Load())

	_, completed, errs, _ := rec.snapshot()
	assert.Empty(t, completed)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformedPayload)
}

func TestController_CancelBeforeStart(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeJSON(w, page(`[[1,"a"]]`, nil, 1))
	}))
	defer server.Close()

	c, err := New(capped(server.URL), accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	c.Cancel()
	c.Cancel()

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, StateCancelled, c.State())
	assert.Zero(t, requests.Load())

	heights, completed, errs, _ := rec.snapshot()
	assert.Empty(t, heights)
	assert.Empty(t, completed)
	assert.Empty(t, errs)
}

func TestController_CancelDuringLongPoll(t *testing.T) {
	waiting := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has(ParamFromHeight) {
			once.Do(func() { close(waiting) })
			<-r.Context().Done()
			return
		}
		writeJSON(w, page(`[[1,"a"]]`, nil, 3))
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true

	c, err := New(server.URL+"/v1/stream", accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))

	select {
	case <-waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("controller never long-polled")
	}
	assert.Equal(t, StatePolling, c.State())

	c.Cancel()
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, StateCancelled, c.State())

	heights, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{3}, heights)
	assert.Empty(t, completed)
	assert.Empty(t, errs)
}

func TestController_SharedParentContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true

	parent, cancel := context.WithCancel(context.Background())

	var controllers []*Controller[[]accumulate.Row]
	for i := 0; i < 3; i++ {
		c, err := New(server.URL, accumulate.DecodeRows, opts)
		require.NoError(t, err)
		require.NoError(t, c.Start(parent, Handler[[]accumulate.Row]{}))
		controllers = append(controllers, c)
	}

	cancel()
	for _, c := range controllers {
		waitDone(t, c)
		assert.Equal(t, StateCancelled, c.State())
	}
}

func TestController_ToHeightCeiling(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		if got := r.URL.Query().Get(ParamToHeight); got != "10" {
			t.Errorf("expected %s=10, got %q", ParamToHeight, got)
		}
		writeJSON(w, page(fmt.Sprintf(`[[%d,"v"]]`, n), nil, uint64(n)*5))
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true
	opts.ToHeight = 10

	c, err := New(server.URL, accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	heights, completed, _, _ := rec.snapshot()
	assert.Equal(t, []uint64{5, 10}, heights)
	assert.Equal(t, []uint64{10}, completed)
	assert.Equal(t, int32(2), requests.Load())
}

func TestController_HeightsNeverDecrease(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, id := range []string{"7:0", "5:0", "", "9:2"} {
			fmt.Fprintf(w, "event: update\n")
			if id != "" {
				fmt.Fprintf(w, "id: %s\n", id)
			}
			fmt.Fprintf(w, "data: [[1,\"x\"]]\n\n")
		}
		fmt.Fprintf(w, "event: end\ndata: \n\n")
	}))
	defer server.Close()

	c, err := New(server.URL, accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	heights, completed, _, _ := rec.snapshot()
	assert.Equal(t, []uint64{7, 7, 7, 9}, heights)
	assert.Equal(t, []uint64{9}, completed)
}

func TestController_LiveStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Error("pull transport used while live was available")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: update\nid: 3:0\ndata: [[1,\"a\"],[2,\"b\"]]\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: update\nid: 4:0\ndata: [[1,\"c\"]]\n\n")
		fmt.Fprint(w, "event: end\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	c, err := New(server.URL, accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, StateCompleted, c.State())

	heights, completed, errs, batches := rec.snapshot()
	assert.Equal(t, 2, batches)
	assert.Equal(t, []uint64{3, 4}, heights)
	assert.Equal(t, []uint64{4}, completed)
	assert.Empty(t, errs)

	height, ok := c.Height()
	assert.True(t, ok)
	assert.Equal(t, uint64(4), height)
}

func TestController_LiveMalformedUpdateIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: update\nid: 1:0\ndata: [[1,\"a\"]]\n\n")
		fmt.Fprint(w, "event: update\nid: 2:0\ndata: {not json\n\n")
		fmt.Fprint(w, "event: update\nid: 3:0\ndata: [[3,\"c\"]]\n\n")
	}))
	defer server.Close()

	c, err := New(server.URL, accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.ErrorIs(t, c.Wait(), ErrMalformedPayload)
	heights, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{1}, heights)
	assert.Empty(t, completed)
	require.Len(t, errs, 1)
}

func TestController_NegotiationFailureFallsBackSilently(t *testing.T) {
	var live atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "text/event-stream" {
			live.Add(1)
			http.NotFound(w, r)
			return
		}
		writeJSON(w, page(`[[1,"a"]]`, nil, 2))
	}))
	defer server.Close()

	c, err := New(capped(server.URL), accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, int32(1), live.Load())

	heights, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{2}, heights)
	assert.Equal(t, []uint64{2}, completed)
	assert.Empty(t, errs)
}

func TestController_DroppedLiveStreamFallsBack(t *testing.T) {
	var (
		mu   sync.Mutex
		from string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "text/event-stream" {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, "event: update\nid: 3:0\ndata: [[1,\"a\"]]\n\n")
			return
		}
		mu.Lock()
		from = r.URL.Query().Get(ParamFromHeight)
		mu.Unlock()
		writeJSON(w, page(`[[2,"b"]]`, nil, 4))
	}))
	defer server.Close()

	c, err := New(capped(server.URL), accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	mu.Lock()
	assert.Equal(t, "3", from)
	mu.Unlock()

	heights, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{3, 4}, heights)
	assert.Equal(t, []uint64{4}, completed)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrConnection)
}

func TestController_Websocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for _, env := range []Envelope{
			{Event: EventUpdate, ID: "10:0", Data: json.RawMessage(`[[1,"x"]]`)},
			{Event: EventError, Data: json.RawMessage(`"lagging"`)},
			{Event: EventUpdate, ID: "11:0", Data: json.RawMessage(`[[2,"y"]]`)},
			{Event: EventEnd},
		} {
			if err := conn.WriteJSON(env); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	endpoint := "ws" + strings.TrimPrefix(server.URL, "http")
	c, err := New(endpoint, accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	heights, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{10, 11}, heights)
	assert.Equal(t, []uint64{11}, completed)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrConnection)
}

func TestController_CompressedPages(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	body, err := json.Marshal(page(`[[1,"z"]]`, nil, 8))
	require.NoError(t, err)
	compressed := enc.EncodeAll(body, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
			t.Errorf("zstd not offered: %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(compressed)
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true

	c, err := New(capped(server.URL), accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	_, completed, _, batches := rec.snapshot()
	assert.Equal(t, 1, batches)
	assert.Equal(t, []uint64{8}, completed)
}

func TestController_StartTwice(t *testing.T) {
	c, err := New("http://127.0.0.1:1/v1/stream", accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)
	c.Cancel()

	require.NoError(t, c.Start(context.Background(), Handler[[]accumulate.Row]{}))
	assert.ErrorIs(t, c.Start(context.Background(), Handler[[]accumulate.Row]{}), ErrAlreadyStarted)
}

func TestNew_RejectsBadEndpoints(t *testing.T) {
	for _, endpoint := range []string{"ftp://example.com/x", "http:///nohost", "::bad"} {
		_, err := New(endpoint, accumulate.DecodeRows, Options{})
		assert.Error(t, err, endpoint)
	}
}

func TestController_LiveEndWithoutTrailingBlankLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: update\nid: 3:0\ndata: [[1,\"a\"]]\n\n")
		fmt.Fprint(w, "event: end\n")
	}))
	defer server.Close()

	c, err := New(server.URL, accumulate.DecodeRows, testOptions(t))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, StateCompleted, c.State())

	heights, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{3}, heights)
	assert.Equal(t, []uint64{3}, completed)
	assert.Empty(t, errs)
}

func TestController_LiveStopsAtToHeight(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: update\nid: 3:0\ndata: [[1,\"a\"]]\n\n")
		fmt.Fprint(w, "event: update\nid: 10:0\ndata: [[2,\"b\"]]\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.ToHeight = 5

	c, err := New(server.URL, accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	assert.Equal(t, StateCompleted, c.State())

	heights, completed, errs, _ := rec.snapshot()
	assert.Equal(t, []uint64{3, 10}, heights)
	assert.Equal(t, []uint64{10}, completed)
	assert.Empty(t, errs)
}

func TestController_WebsocketStopsAtToHeight(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(Envelope{Event: EventUpdate, ID: "7:0", Data: json.RawMessage(`[[1,"x"]]`)})
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.ToHeight = 7

	c, err := New("ws"+strings.TrimPrefix(server.URL, "http"), accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(context.Background(), rec.handler()))
	waitDone(t, c)

	require.NoError(t, c.Wait())
	_, completed, _, _ := rec.snapshot()
	assert.Equal(t, []uint64{7}, completed)
}

func TestController_PacingPastDeadlineFails(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeJSON(w, page(`[[1,"a"]]`, strptr("more"), 1))
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.DisableLive = true
	opts.RatePerSecond = 0.001

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(server.URL, accumulate.DecodeRows, opts)
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, c.Start(ctx, rec.handler()))
	waitDone(t, c)

	err = c.Wait()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, "deadline", errorKind(err))
	assert.Equal(t, int32(1), requests.Load())

	_, _, errs, _ := rec.snapshot()
	require.Len(t, errs, 1)
}

func TestController_WarnsOnceWithoutBlockRange(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeJSON(w, map[string]any{
			"data":       json.RawMessage(`[[1,"a"]]`),
			"pagination": map[string]any{"next_key": nil},
		})
	}))
	defer server.Close()

	core, logs := observer.New(zap.WarnLevel)
	opts := testOptions(t)
	opts.DisableLive = true
	opts.Logger = zap.New(core)

	c, err := New(server.URL, accumulate.DecodeRows, opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), (&recorder{}).handler()))

	require.Eventually(t, func() bool { return requests.Load() >= 3 }, 5*time.Second, time.Millisecond)
	c.Cancel()
	waitDone(t, c)

	assert.Equal(t, 1, logs.FilterMessageSnippet("block_range").Len())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "malformed", errorKind(fmt.Errorf("%w: page", ErrMalformedPayload)))
	assert.Equal(t, "retries", errorKind(ErrRetryBudgetExhausted))
	assert.Equal(t, "deadline", errorKind(fmt.Errorf("pacing: %w", context.DeadlineExceeded)))
	assert.Equal(t, "cancelled", errorKind(context.Canceled))
	assert.Equal(t, "other", errorKind(ErrConnection))
}
