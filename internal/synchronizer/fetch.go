package synchronizer

import (
	"context"
	"time"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
	"github.com/dgnsrekt/heightsync/internal/stream"
)

// Fetch resolves the full dataset behind endpoint as of now. The request is capped with
// pagination.before so the subscription converges; the snapshot is built in place.
func Fetch(ctx context.Context, endpoint string, opts Options) (accumulate.DataSet, uint64, error) {
	capped, err := stream.WithBefore(endpoint, time.Now())
	if err != nil {
		return nil, 0, err
	}

	opts.Strategy = accumulate.Mutating
	s, err := NewSingle(capped, opts)
	if err != nil {
		return nil, 0, err
	}
	return resolve(ctx, s)
}

// FetchDual is Fetch for endpoints serving paired datasets.
func FetchDual(ctx context.Context, endpoint string, opts Options) ([2]accumulate.DataSet, uint64, error) {
	capped, err := stream.WithBefore(endpoint, time.Now())
	if err != nil {
		return [2]accumulate.DataSet{}, 0, err
	}

	opts.Strategy = accumulate.Mutating
	s, err := NewDual(capped, opts)
	if err != nil {
		return [2]accumulate.DataSet{}, 0, err
	}
	return resolve(ctx, s)
}

func resolve[B, S any](ctx context.Context, s *Synchronizer[B, S]) (S, uint64, error) {
	var (
		zero      S
		completed bool
	)

	err := s.Start(ctx, Handler[S, B]{
		OnCompleted: func(S, uint64) {
			completed = true
			s.Cancel()
		},
	})
	if err != nil {
		return zero, 0, err
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Cancel()
		<-s.Done()
	}

	if err := s.Wait(); err != nil {
		return zero, 0, err
	}
	if !completed {
		if err := ctx.Err(); err != nil {
			return zero, 0, err
		}
		return zero, 0, context.Canceled
	}

	snapshot, height := s.Snapshot()
	return snapshot, height, nil
}
