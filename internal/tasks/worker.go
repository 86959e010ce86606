package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/finsync-worker/internal/metrics"
)

type Handler func(ctx context.Context, args Args) error

// Pool pulls tasks from a Source and runs them on a fixed number of
// goroutines
type Pool struct {
	source      Source
	handlers    map[string]Handler
	concurrency int
	pollTimeout time.Duration
	errorDelay  time.Duration
}

func NewPool(source Source, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Pool{
		source:      source,
		handlers:    make(map[string]Handler),
		concurrency: concurrency,
		pollTimeout: 5 * time.Second,
		errorDelay:  time.Second,
	}
}

// Handle registers the handler for a task name. Call before Run.
func (p *Pool) Handle(name string, h Handler) {
	p.handlers[name] = h
}

// Run blocks until ctx is cancelled and every in-flight task has returned.
// Tasks are not interrupted by cancellation.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("concurrency", p.concurrency).Msg("Starting task workers")

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	log.Info().Msg("All task workers stopped")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.source.Dequeue(ctx, p.pollTimeout)
		if err != nil {
			if errors.Is(err, ErrEmpty) || ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Int("worker", id).Msg("Error dequeuing task")
			select {
			case <-ctx.Done():
			case <-time.After(p.errorDelay):
			}
			continue
		}
		p.process(context.WithoutCancel(ctx), task)
	}
}

func (p *Pool) process(ctx context.Context, task *Task) {
	logger := log.With().
		Str("task", task.Name).
		Str("task_id", task.ID).
		Int64("company_id", task.Args.CompanyID).
		Logger()

	handler, ok := p.handlers[task.Name]
	if !ok {
		metrics.TasksProcessedTotal.WithLabelValues(task.Name, "unknown").Inc()
		logger.Warn().Msg("No handler for task, dropping")
		return
	}

	start := time.Now()
	err := safeRun(ctx, handler, task.Args)
	if err != nil {
		metrics.TasksProcessedTotal.WithLabelValues(task.Name, "failed").Inc()
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Task failed")
		return
	}
	metrics.TasksProcessedTotal.WithLabelValues(task.Name, "success").Inc()
	logger.Info().Dur("duration", time.Since(start)).Msg("Task completed")
}

func safeRun(ctx context.Context, h Handler, args Args) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h(ctx, args)
}
