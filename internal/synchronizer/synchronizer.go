// Package synchronizer republishes a stream subscription as a running snapshot.
//
// A Single synchronizer folds row batches into one DataSet. A Dual synchronizer folds
// pairs of row batches into two DataSets that advance on a shared height.
package synchronizer

import (
	"context"
	"sync"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
	"github.com/dgnsrekt/heightsync/internal/stream"
)

// Options configures a synchronizer.
type Options struct {
	Stream stream.Options

	// Strategy defaults to accumulate.Copying. Choose Mutating only when no consumer keeps
	// a published snapshot past the next callback.
	Strategy accumulate.Strategy

	// Sentinel marks removals. Nil disables removal.
	Sentinel *accumulate.Sentinel
}

// Handler receives accumulated state. S is the snapshot type and B the raw batch type.
type Handler[S, B any] struct {
	OnUpdate      func(batch B, height uint64)
	OnAccumulated func(snapshot S, height uint64)
	OnCompleted   func(snapshot S, height uint64)
	OnError       func(err error)
}

// Synchronizer owns a stream.Controller and the snapshot built from it.
type Synchronizer[B, S any] struct {
	ctrl  *stream.Controller[B]
	merge func(S, B) S

	mu       sync.Mutex
	snapshot S
	height   uint64
}

// Single tracks one dataset.
type Single = Synchronizer[[]accumulate.Row, accumulate.DataSet]

// Dual tracks two height-synchronized datasets.
type Dual = Synchronizer[accumulate.Pair, [2]accumulate.DataSet]

// NewSingle prepares a synchronizer over an endpoint serving row batches.
func NewSingle(endpoint string, opts Options) (*Single, error) {
	ctrl, err := stream.New(endpoint, accumulate.DecodeRows, opts.Stream)
	if err != nil {
		return nil, err
	}

	strategy, sentinel := opts.Strategy, opts.Sentinel
	return &Single{
		ctrl:     ctrl,
		snapshot: accumulate.DataSet{},
		merge: func(s accumulate.DataSet, rows []accumulate.Row) accumulate.DataSet {
			return strategy.Merge(s, rows, sentinel)
		},
	}, nil
}

// NewDual prepares a synchronizer over an endpoint serving [[rows0],[rows1]] batches.
func NewDual(endpoint string, opts Options) (*Dual, error) {
	ctrl, err := stream.New(endpoint, accumulate.DecodePair, opts.Stream)
	if err != nil {
		return nil, err
	}

	strategy, sentinel := opts.Strategy, opts.Sentinel
	return &Dual{
		ctrl:     ctrl,
		snapshot: [2]accumulate.DataSet{{}, {}},
		merge: func(s [2]accumulate.DataSet, pair accumulate.Pair) [2]accumulate.DataSet {
			return strategy.MergePair(s, pair, sentinel)
		},
	}, nil
}

// Start subscribes. Callbacks run sequentially on the controller's goroutine.
func (s *Synchronizer[B, S]) Start(ctx context.Context, handler Handler[S, B]) error {
	return s.ctrl.Start(ctx, stream.Handler[B]{
		OnUpdate: func(batch B, height uint64) {
			if handler.OnUpdate != nil {
				handler.OnUpdate(batch, height)
			}

			s.mu.Lock()
			s.snapshot = s.merge(s.snapshot, batch)
			s.height = height
			snapshot := s.snapshot
			s.mu.Unlock()

			if handler.OnAccumulated != nil {
				handler.OnAccumulated(snapshot, height)
			}
		},
		OnCompleted: func(height uint64) {
			s.mu.Lock()
			if height > s.height {
				s.height = height
			}
			snapshot, h := s.snapshot, s.height
			s.mu.Unlock()

			if handler.OnCompleted != nil {
				handler.OnCompleted(snapshot, h)
			}
		},
		OnError: handler.OnError,
	})
}

// Snapshot returns the latest accumulated state and its height. With the Mutating
// strategy the result is shared with the synchronizer.
func (s *Synchronizer[B, S]) Snapshot() (S, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, s.height
}

func (s *Synchronizer[B, S]) Cancel()               { s.ctrl.Cancel() }
func (s *Synchronizer[B, S]) Done() <-chan struct{} { return s.ctrl.Done() }
func (s *Synchronizer[B, S]) Wait() error           { return s.ctrl.Wait() }
func (s *Synchronizer[B, S]) State() stream.State   { return s.ctrl.State() }
func (s *Synchronizer[B, S]) ID() string            { return s.ctrl.ID() }
