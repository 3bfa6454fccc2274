package stream

import (
	"context"
	"sync"

	"github.com/dgnsrekt/heightsync/internal/telemetry"
)

// Handler receives a subscription's events. Nil fields are skipped. Callbacks run one at a
// time on the controller's goroutine, in the order the transport produced them.
type Handler[T any] struct {
	OnUpdate    func(batch T, height uint64)
	OnCompleted func(height uint64)
	OnError     func(err error)
}

// sink is the only path from a source to the handler. It keeps the known height
// monotonic and drops every callback once the subscription context is done.
type sink[T any] struct {
	ctx      context.Context
	handler  Handler[T]
	endpoint string

	// established is told which transport took over.
	established func(transport string)

	// ceiling is the inclusive height at which the subscription completes. Zero means none.
	ceiling uint64

	mu     sync.Mutex
	height uint64
	known  bool
}

func newSink[T any](ctx context.Context, handler Handler[T], endpoint string) *sink[T] {
	return &sink[T]{ctx: ctx, handler: handler, endpoint: endpoint}
}

// Height returns the last height incorporated, if any.
func (s *sink[T]) Height() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, s.known
}

// reached reports whether the known height is at or past the ceiling.
func (s *sink[T]) reached() bool {
	height, known := s.Height()
	return known && s.ceiling > 0 && height >= s.ceiling
}

func (s *sink[T]) advance(height uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.known || height > s.height {
		s.height = height
		s.known = true
	}
	return s.height
}

// deliver hands one batch to OnUpdate. hasHeight is false when the transport carried no
// height for this batch; the known height is reported unchanged.
func (s *sink[T]) deliver(transport string, batch T, height uint64, hasHeight bool) {
	if s.ctx.Err() != nil {
		return
	}

	reported, _ := s.Height()
	if hasHeight {
		reported = s.advance(height)
		telemetry.KnownHeight.With(s.endpoint).Set(float64(reported))
	}

	telemetry.UpdatesTotal.With(transport).Inc()
	if s.handler.OnUpdate != nil {
		s.handler.OnUpdate(batch, reported)
	}
}

func (s *sink[T]) active(transport string) {
	if s.established != nil {
		s.established(transport)
	}
}

func (s *sink[T]) completed() {
	if s.ctx.Err() != nil {
		return
	}
	if s.handler.OnCompleted != nil {
		height, _ := s.Height()
		s.handler.OnCompleted(height)
	}
}

func (s *sink[T]) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}
