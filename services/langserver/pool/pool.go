// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides the fabric of purpose-built task pools plus the
// global compilation semaphore.
//
// Three pools with distinct intents: a small scheduling pool for
// timer-style work that immediately hands real work elsewhere, an import
// pool for build-tool import (CPU/process heavy, may spawn build daemons),
// and a deliberately small background-compile pool because each concurrent
// compile can consume large, unpredictable memory. The counting semaphore
// is the single backpressure mechanism across all of them: every compiler
// invocation takes a permit first, no matter which pool or caller thread
// runs it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tomaszrup/groovy-language-server-sub001/pkg/logging"
)

// ErrPoolClosed is returned by Submit after shutdown has begun.
var ErrPoolClosed = errors.New("pool is shut down")

// task is one queued unit of work with its propagated context.
type task struct {
	id   string
	name string
	ctx  context.Context
	run  func(ctx context.Context)
}

// Pool is a fixed-size worker pool with a bounded queue.
//
// Every submitted task carries forward the submitter's logging context,
// enriched with a task id, so background failures are attributable. The
// pools themselves never perform that wrapping logic's work decisions;
// Submit is the wrapping contract.
//
// The task channel is never closed: shutdown is signalled through done so
// that a Submit parked on a full queue unblocks with ErrPoolClosed instead
// of panicking on a closed channel.
//
// Thread Safety: safe for concurrent use.
type Pool struct {
	name    string
	tasks   chan task
	done    chan struct{}
	workers sync.WaitGroup
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	closed bool
}

// NewPool creates and starts a pool with the given number of workers.
// queueCap bounds the pending-task queue; zero gets a sane default.
func NewPool(name string, workers, queueCap int, logger *slog.Logger, metrics *Metrics) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueCap <= 0 {
		queueCap = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		name:    name,
		tasks:   make(chan task, queueCap),
		done:    make(chan struct{}),
		logger:  logger.With(slog.String("pool", name)),
		metrics: metrics,
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool's name.
func (p *Pool) Name() string {
	return p.name
}

// Submit queues fn for execution.
//
// Description:
//
//	Wraps fn with a generated task id and the submitter's logger (from
//	ctx via logging.FromContext) so the worker-side context carries the
//	same diagnostic attributes the submitting call had. Blocks while the
//	queue is full until ctx is cancelled.
//
// Outputs:
//   - error: ErrPoolClosed after shutdown began, or ctx.Err() when the
//     caller gave up while the queue was full.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	id := uuid.NewString()
	taskLogger := logging.FromContext(ctx).With(
		slog.String("pool", p.name),
		slog.String("task", name),
		slog.String("task_id", id),
	)
	t := task{
		id:   id,
		name: name,
		ctx:  logging.IntoContext(ctx, taskLogger),
		run:  fn,
	}

	select {
	case p.tasks <- t:
		if p.metrics != nil {
			p.metrics.TasksSubmitted.WithLabelValues(p.name).Inc()
			p.metrics.QueueDepth.WithLabelValues(p.name).Set(float64(len(p.tasks)))
		}
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return fmt.Errorf("submitting %q to %s pool: %w", name, p.name, ctx.Err())
	}
}

// worker drains the task queue until shutdown, then finishes whatever is
// still queued before exiting.
func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		select {
		case t := <-p.tasks:
			p.runTask(t)
		case <-p.done:
			for {
				select {
				case t := <-p.tasks:
					p.runTask(t)
				default:
					return
				}
			}
		}
	}
}

// runTask executes one task with panic containment. A panicking background
// task is logged and counted, never allowed to kill the process.
func (p *Pool) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(t.ctx).Error("task panicked",
				slog.Any("panic", r),
			)
			if p.metrics != nil {
				p.metrics.TaskPanics.WithLabelValues(p.name).Inc()
			}
		}
		if p.metrics != nil {
			p.metrics.TasksCompleted.WithLabelValues(p.name).Inc()
			p.metrics.QueueDepth.WithLabelValues(p.name).Set(float64(len(p.tasks)))
		}
	}()
	t.run(t.ctx)
}

// Shutdown stops the pool: no further submits are accepted, queued and
// in-flight tasks get until ctx's deadline to finish, after which Shutdown
// returns and remaining work is abandoned to its cancelled contexts.
// Idempotent and never panics.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("pool drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("pool shutdown grace period expired; abandoning tasks")
		return ctx.Err()
	}
}
