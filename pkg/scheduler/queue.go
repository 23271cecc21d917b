// Package scheduler runs stage scripts on a bounded worker pool.
//
// Tasks are grouped into lanes, normally one per service instance. Tasks in
// the same lane run strictly in submission order; tasks in different lanes
// run concurrently up to the worker limit.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/procdriver/pkg/script"
)

var (
	// ErrCancelled is the error of a task cancelled before it started.
	ErrCancelled = errors.New("task cancelled")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("scheduler is shut down")
	// ErrUnknownTask is returned for ids the queue never issued.
	ErrUnknownTask = errors.New("unknown task")
	// ErrPending is returned by Result while a task is queued or running.
	ErrPending = errors.New("task not finished")
)

// Recorder observes queue activity.
type Recorder interface {
	RecordTaskQueued(lane string)
	RecordTaskStarted(lane string)
	RecordTaskFinished(lane string, status string, duration time.Duration)
}

// Config configures a Queue.
type Config struct {
	// Workers bounds how many tasks run at once.
	Workers int
	// MaxRetries is how many times a task whose error is retryable is rerun.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; it doubles each time.
	BaseBackoff time.Duration
	// Retryable decides whether a task error is worth retrying. Nil means
	// no error is retried.
	Retryable func(error) bool
	// Retain is how many finished tasks stay available to Get and Result.
	Retain   int
	Logger   *zerolog.Logger
	Recorder Recorder
}

const defaultRetain = 256

// DefaultConfig returns a queue configuration with four workers and no
// retries.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		BaseBackoff: time.Second,
		Retain:      defaultRetain,
	}
}

type lane struct {
	pending []*Handle
}

// Queue is a lane-ordered worker pool implementing script.Submitter.
type Queue struct {
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	lanes    map[string]*lane
	tasks    map[string]*Handle
	finished []string
	closed   bool
}

// NewQueue starts a queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:    cfg,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, cfg.Workers),
		lanes:  make(map[string]*lane),
		tasks:  make(map[string]*Handle),
	}
}

// Submit implements script.Submitter. The task runs with the values of ctx
// (span, logger) but is cancelled only by Shutdown or Cancel.
func (q *Queue) Submit(ctx context.Context, task script.Task) (script.Handle, error) {
	if task.Run == nil {
		return nil, fmt.Errorf("task %q has no run function", task.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &Handle{
		id:     uuid.New().String(),
		task:   task,
		ctx:    context.WithoutCancel(ctx),
		status: StatusQueued,
		queued: time.Now(),
		done:   make(chan struct{}),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.tasks[h.id] = h
	l, running := q.lanes[task.Lane]
	if !running {
		l = &lane{}
		q.lanes[task.Lane] = l
	}
	l.pending = append(l.pending, h)
	if !running {
		q.wg.Add(1)
		go q.drain(task.Lane, l)
	}
	q.mu.Unlock()

	if q.cfg.Recorder != nil {
		q.cfg.Recorder.RecordTaskQueued(task.Lane)
	}
	q.logger.Debug().
		Str("task_id", h.id).
		Str("task", task.Name).
		Str("lane", task.Lane).
		Msg("Task queued")

	return h, nil
}

// drain runs a lane's tasks one after another until the lane is empty.
func (q *Queue) drain(key string, l *lane) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(l.pending) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		h := l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()

		select {
		case q.sem <- struct{}{}:
		case <-q.ctx.Done():
			h.seal(nil, q.ctx.Err(), StatusCancelled)
			q.retire(h.id)
			continue
		}

		if h.start() {
			q.execute(h)
		}
		<-q.sem
		q.retire(h.id)
	}
}

// retire marks a task finished and forgets the oldest finished tasks
// beyond Retain.
func (q *Queue) retire(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished = append(q.finished, id)
	for len(q.finished) > q.cfg.Retain {
		delete(q.tasks, q.finished[0])
		q.finished = q.finished[1:]
	}
}

// runContext carries the submitter's values and the queue's cancellation.
func (q *Queue) runContext(h *Handle, logger zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(h.ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	if zerolog.Ctx(ctx).GetLevel() == zerolog.Disabled {
		ctx = logger.WithContext(ctx)
	}
	return ctx, func() {
		stop()
		cancel()
	}
}

func (q *Queue) execute(h *Handle) {
	if q.cfg.Recorder != nil {
		q.cfg.Recorder.RecordTaskStarted(h.task.Lane)
	}
	logger := q.logger.With().
		Str("task_id", h.id).
		Str("task", h.task.Name).
		Str("lane", h.task.Lane).
		Logger()
	logger.Debug().Msg("Task started")

	ctx, cancel := q.runContext(h, logger)
	defer cancel()

	start := time.Now()
	var res *script.Result
	var err error

	for attempt := 0; ; attempt++ {
		res, err = h.task.Run(ctx)
		if err == nil || q.cfg.Retryable == nil || !q.cfg.Retryable(err) || attempt >= q.cfg.MaxRetries {
			break
		}

		backoff := q.calculateBackoff(attempt)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying task after failure")

		select {
		case <-time.After(backoff):
		case <-q.ctx.Done():
			err = q.ctx.Err()
		}
		if q.ctx.Err() != nil {
			break
		}
	}

	status := StatusSucceeded
	if err != nil || !res.Success() {
		status = StatusFailed
	}
	h.seal(res, err, status)

	if q.cfg.Recorder != nil {
		q.cfg.Recorder.RecordTaskFinished(h.task.Lane, string(status), time.Since(start))
	}
	logger.Debug().
		Str("status", string(status)).
		Dur("duration", time.Since(start)).
		Msg("Task finished")
}

// calculateBackoff returns BaseBackoff * 2^attempt, capped at 30 seconds.
func (q *Queue) calculateBackoff(attempt int) time.Duration {
	delay := q.cfg.BaseBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if maxDelay := 30 * time.Second; delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Cancel cancels a task that has not started yet. It reports whether the
// task was cancelled; running and finished tasks are left alone.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	h, ok := q.tasks[id]
	q.mu.Unlock()
	if !ok {
		return false
	}
	return h.cancel()
}

// Get returns the handle for id.
func (q *Queue) Get(id string) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return h, nil
}

// Result returns the sealed result of task id, or ErrPending while the
// task is still queued or running.
func (q *Queue) Result(id string) (*script.Result, error) {
	h, err := q.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, h.err
	default:
		return nil, ErrPending
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When
// ctx expires first, tasks not yet started are cancelled and running ones
// see their context cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-finished
		return ctx.Err()
	}
}
