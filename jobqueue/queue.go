// Package jobqueue runs background jobs one at a time in submission order
// and retries failed ones with exponential backoff.
package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/messaging"
)

// ErrQueueClosed is returned when submitting to a stopped queue.
var ErrQueueClosed = errors.New("jobqueue: queue closed")

// Job is a unit of background work.
type Job interface {
	// Name labels the job in logs.
	Name() string
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (f JobFunc) Name() string                      { return f.Label }
func (f JobFunc) Execute(ctx context.Context) error { return f.Fn(ctx) }

// Config controls retries.
type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
	}
}

type entry struct {
	id   string
	job  Job
	done chan error
}

// Queue is a FIFO job queue with a single worker.
type Queue struct {
	cfg       Config
	retryable func(error) bool

	// OnComplete, if set, observes every finished job.
	OnComplete func(id string, job Job, err error)

	mu      sync.Mutex
	pending []*entry
	notify  chan struct{}
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped queue. A zero Config field takes its default.
func New(cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	return &Queue{
		cfg:       cfg,
		retryable: messaging.IsRetryable,
		notify:    make(chan struct{}, 1),
	}
}

// Start launches the worker. It stops when ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.wg.Add(1)
	go q.run(ctx)
}

// Stop cancels the worker, fails jobs still queued and waits for the worker
// to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.closed = true
	remaining := q.pending
	q.pending = nil
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	for _, e := range remaining {
		e.done <- ErrQueueClosed
	}
}

// Len returns the number of jobs waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Enqueue appends job to the queue and returns its id and a channel that
// yields the job's final result.
func (q *Queue) Enqueue(job Job) (string, <-chan error, error) {
	e := &entry{id: uuid.NewString(), job: job, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", nil, ErrQueueClosed
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"job_id":   e.id,
		"job":      job.Name(),
	}).Debug("Job queued")
	return e.id, e.done, nil
}

// QueueImmediate runs fn right away on its own goroutine, outside the FIFO
// order, with the same retry policy as queued jobs.
func (q *Queue) QueueImmediate(ctx context.Context, name string, fn func(ctx context.Context) error) <-chan error {
	e := &entry{id: uuid.NewString(), job: JobFunc{Label: name, Fn: fn}, done: make(chan error, 1)}
	go func() {
		e.done <- q.execute(ctx, e)
	}()
	return e.done
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		e := q.next()
		if e == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		e.done <- q.execute(ctx, e)
	}
}

func (q *Queue) next() *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return e
}

func (q *Queue) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.cfg.InitialInterval
	b.MaxInterval = q.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(q.cfg.MaxRetries)), ctx)
}

func (q *Queue) execute(ctx context.Context, e *entry) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "execute",
		"job_id":   e.id,
		"job":      e.job.Name(),
	})

	attempt := 0
	op := func() error {
		attempt++
		err := e.job.Execute(ctx)
		if err != nil && !q.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait.String(),
			"error":   err.Error(),
		}).Warn("Job failed, retrying")
	}

	err := backoff.RetryNotify(op, q.newBackOff(ctx), notify)
	if err != nil {
		logger.WithError(err).Error("Job failed")
	} else {
		logger.Debug("Job completed")
	}
	if q.OnComplete != nil {
		q.OnComplete(e.id, e.job, err)
	}
	return err
}
