// Package fetcher resolves many endpoints to snapshots with a bounded worker pool.
package fetcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dgnsrekt/heightsync/internal/accumulate"
	"github.com/dgnsrekt/heightsync/internal/output"
	"github.com/dgnsrekt/heightsync/internal/synchronizer"
)

type Manager struct {
	opts    synchronizer.Options
	writer  *output.Writer
	workers int
	logger  *zap.Logger
}

type BatchResult struct {
	Total   int
	Success int
	Failed  int
	Errors  []string
	Results []TaskResult
}

func NewManager(opts synchronizer.Options, writer *output.Writer, workers int, logger *zap.Logger) *Manager {
	if workers <= 0 {
		workers = 1
	}
	opts.Stream.Logger = logger
	return &Manager{
		opts:    opts,
		writer:  writer,
		workers: workers,
		logger:  logger,
	}
}

// Execute runs every task and collects the outcome. Individual task failures are
// reported in the result; the returned error is only set when ctx ends the batch early.
func (m *Manager) Execute(ctx context.Context, tasks []Task) (*BatchResult, error) {
	result := &BatchResult{Total: len(tasks)}

	if len(tasks) == 0 {
		return result, nil
	}

	jobs := make(chan Task, len(tasks))
	results := make(chan TaskResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < min(m.workers, len(tasks)); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			m.worker(ctx, workerID, jobs, results)
		}(i)
	}

	go func() {
		defer close(jobs)
		for _, task := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- task:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for r := range results {
		result.Results = append(result.Results, r)
		if r.Success {
			result.Success++
			continue
		}
		result.Failed++
		if r.Error != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.Task.Name, r.Error))
		}
	}

	return result, ctx.Err()
}

func (m *Manager) worker(ctx context.Context, id int, jobs <-chan Task, results chan<- TaskResult) {
	for task := range jobs {
		if ctx.Err() != nil {
			return
		}

		m.logger.Debug("worker picked task", zap.Int("worker", id), zap.String("task", task.Name))
		results <- m.processTask(ctx, task)
	}
}

func (m *Manager) processTask(ctx context.Context, task Task) TaskResult {
	result := TaskResult{Task: task}

	m.logger.Info("fetching", zap.String("task", task.String()))

	var (
		sets   []accumulate.DataSet
		height uint64
		err    error
	)
	if task.Dual {
		var pair [2]accumulate.DataSet
		pair, height, err = synchronizer.FetchDual(ctx, task.Endpoint, m.opts)
		sets = pair[:]
	} else {
		var set accumulate.DataSet
		set, height, err = synchronizer.Fetch(ctx, task.Endpoint, m.opts)
		sets = []accumulate.DataSet{set}
	}
	if err != nil {
		m.logger.Warn("fetch failed", zap.String("task", task.Name), zap.Error(err))
		result.Error = err
		return result
	}

	path, err := m.writer.Write(task.Name, height, sets...)
	if err != nil {
		result.Error = err
		return result
	}

	for _, s := range sets {
		result.Rows += len(s)
	}
	result.Success = true
	result.Height = height
	result.Path = path
	m.logger.Info("fetched",
		zap.String("task", task.Name),
		zap.Uint64("height", height),
		zap.Int("rows", result.Rows),
		zap.String("path", path),
	)

	return result
}
