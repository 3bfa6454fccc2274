package synchronizer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
	"github.com/dgnsrekt/heightsync/internal/stream"
)

func testOptions(t *testing.T) Options {
	return Options{
		Stream: stream.Options{
			Backoff:       func(int) time.Duration { return time.Millisecond },
			RatePerSecond: -1,
			Logger:        zaptest.NewLogger(t),
		},
	}
}

// sseServer replays events as a text/event-stream and then ends the stream.
func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			fmt.Fprint(w, ev)
		}
		fmt.Fprint(w, "event: end\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

func update(id, data string) string {
	return fmt.Sprintf("event: update\nid: %s\ndata: %s\n\n", id, data)
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("synchronizer did not finish")
	}
}

func TestDual_PairsShareHeight(t *testing.T) {
	server := sseServer(t, update("10:0", `[[[1,"x"]],[[1,"y"]]]`))

	d, err := NewDual(server.URL, testOptions(t))
	require.NoError(t, err)

	var (
		mu          sync.Mutex
		accumulated [][2]accumulate.DataSet
		heights     []uint64
		final       [2]accumulate.DataSet
		finalHeight uint64
	)
	err = d.Start(context.Background(), Handler[[2]accumulate.DataSet, accumulate.Pair]{
		OnAccumulated: func(s [2]accumulate.DataSet, height uint64) {
			mu.Lock()
			defer mu.Unlock()
			accumulated = append(accumulated, s)
			heights = append(heights, height)
		},
		OnCompleted: func(s [2]accumulate.DataSet, height uint64) {
			mu.Lock()
			defer mu.Unlock()
			final, finalHeight = s, height
		},
	})
	require.NoError(t, err)
	wait(t, d.Done())
	require.NoError(t, d.Wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, accumulated, 1)
	assert.Equal(t, []uint64{10}, heights)
	assert.Equal(t, accumulate.DataSet{"1": "x"}, accumulated[0][0])
	assert.Equal(t, accumulate.DataSet{"1": "y"}, accumulated[0][1])
	assert.Equal(t, uint64(10), finalHeight)
	assert.Equal(t, accumulate.DataSet{"1": "x"}, final[0])
	assert.Equal(t, accumulate.DataSet{"1": "y"}, final[1])
}

func TestSingle_AccumulatesWithSentinel(t *testing.T) {
	server := sseServer(t,
		update("1:0", `[[1,"a"],[2,"b"],[3,[4,5]]]`),
		update("2:0", `[[2,0],[4,"d"]]`),
		update("3:0", `[[1,"A"],[9,0]]`),
	)

	opts := testOptions(t)
	opts.Sentinel = accumulate.NewSentinel(0)

	s, err := NewSingle(server.URL, opts)
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		published []accumulate.DataSet
		raw       int
		final     accumulate.DataSet
	)
	err = s.Start(context.Background(), Handler[accumulate.DataSet, []accumulate.Row]{
		OnUpdate: func([]accumulate.Row, uint64) {
			mu.Lock()
			raw++
			mu.Unlock()
		},
		OnAccumulated: func(snapshot accumulate.DataSet, _ uint64) {
			mu.Lock()
			published = append(published, snapshot)
			mu.Unlock()
		},
		OnCompleted: func(snapshot accumulate.DataSet, _ uint64) {
			mu.Lock()
			final = snapshot
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	wait(t, s.Done())

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 3, raw)
	require.Len(t, published, 3)
	assert.Equal(t, accumulate.DataSet{"1": "a", "2": "b", "3": []any{json.Number("4"), json.Number("5")}}, published[0])
	assert.Equal(t, accumulate.DataSet{"1": "a", "3": []any{json.Number("4"), json.Number("5")}, "4": "d"}, published[1])
	assert.Equal(t, accumulate.DataSet{"1": "A", "3": []any{json.Number("4"), json.Number("5")}, "4": "d"}, final)

	snapshot, height := s.Snapshot()
	assert.Equal(t, final, snapshot)
	assert.Equal(t, uint64(3), height)
}

func TestSingle_CancelBeforeEvents(t *testing.T) {
	server := sseServer(t, update("1:0", `[[1,"a"]]`))

	s, err := NewSingle(server.URL, testOptions(t))
	require.NoError(t, err)
	s.Cancel()

	called := false
	err = s.Start(context.Background(), Handler[accumulate.DataSet, []accumulate.Row]{
		OnUpdate:      func([]accumulate.Row, uint64) { called = true },
		OnAccumulated: func(accumulate.DataSet, uint64) { called = true },
		OnCompleted:   func(accumulate.DataSet, uint64) { called = true },
		OnError:       func(error) { called = true },
	})
	require.NoError(t, err)
	wait(t, s.Done())

	assert.False(t, called)
	assert.Equal(t, stream.StateCancelled, s.State())
}

func pullServer(t *testing.T, pages map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "text/event-stream" {
			http.Error(w, "live disabled", http.StatusNotAcceptable)
			return
		}
		if r.URL.Query().Get(stream.ParamBefore) == "" {
			t.Errorf("one-shot fetch without %s", stream.ParamBefore)
		}
		body, ok := pages[r.URL.Query().Get(stream.ParamKey)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetch_ResolvesAllPages(t *testing.T) {
	server := pullServer(t, map[string]string{
		"":  `{"data":[[1,"r1"]],"pagination":{"next_key":"a"},"block_range":{"from_height":0,"to_height":7}}`,
		"a": `{"data":[[2,"r2"]],"pagination":{"next_key":null},"block_range":{"from_height":0,"to_height":7}}`,
	})

	snapshot, height, err := Fetch(context.Background(), server.URL+"/v1/pools", testOptions(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), height)
	assert.Equal(t, accumulate.DataSet{"1": "r1", "2": "r2"}, snapshot)
}

func TestFetchDual(t *testing.T) {
	server := pullServer(t, map[string]string{
		"": `{"data":[[[1,"bid"]],[[1,"ask"],[2,"ask2"]]],"block_range":{"from_height":3,"to_height":4}}`,
	})

	snapshots, height, err := FetchDual(context.Background(), server.URL, testOptions(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), height)
	assert.Equal(t, accumulate.DataSet{"1": "bid"}, snapshots[0])
	assert.Equal(t, accumulate.DataSet{"1": "ask", "2": "ask2"}, snapshots[1])
}

func TestFetch_PropagatesFatalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.Stream.DisableLive = true
	opts.Stream.RetryBudget = 2

	_, _, err := Fetch(context.Background(), server.URL, opts)
	assert.ErrorIs(t, err, stream.ErrRetryBudgetExhausted)
}

func TestFetch_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	opts := testOptions(t)
	opts.Stream.DisableLive = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := Fetch(ctx, server.URL, opts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
