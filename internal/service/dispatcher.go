package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaypub/relay/internal/config"
)

// JobHandler runs one publish attempt for a root post. A returned error is
// an infrastructure-level failure and triggers the dispatcher's retry policy;
// per-destination publish failures are recorded as data and do not surface
// here.
type JobHandler func(ctx context.Context, postID uint) error

// Dispatcher is a keyed, replace-on-write delayed job store: at most one
// pending job exists per post id, and scheduling the same post again
// atomically replaces the earlier job. It is the only consumer of "time has
// arrived" events.
type Dispatcher struct {
	mu      sync.Mutex
	jobs    map[uint]*scheduledJob
	seq     uint64
	stopped bool
	handler JobHandler
	logger  *zap.Logger

	maxAttempts int
	backoffBase time.Duration
	slots       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scheduledJob struct {
	seq    uint64
	fireAt time.Time
	timer  *time.Timer
}

func NewDispatcher(cfg *config.DispatcherConfig, logger *zap.Logger, handler JobHandler) *Dispatcher {
	backoff, err := time.ParseDuration(cfg.BackoffBase)
	if err != nil || backoff <= 0 {
		backoff = 5 * time.Second
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		jobs:        make(map[uint]*scheduledJob),
		handler:     handler,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: backoff,
		slots:       make(chan struct{}, workers),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Schedule creates or replaces the job for postID with delay
// max(0, fireAt - now).
func (d *Dispatcher) Schedule(postID uint, fireAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if existing, ok := d.jobs[postID]; ok {
		existing.timer.Stop()
	}

	d.seq++
	job := &scheduledJob{seq: d.seq, fireAt: fireAt}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	job.timer = time.AfterFunc(delay, func() {
		d.fire(postID, job.seq)
	})
	d.jobs[postID] = job

	d.logger.Info("Publish job scheduled",
		zap.Uint("post_id", postID),
		zap.Time("fire_at", fireAt),
		zap.Duration("delay", delay))
}

// Cancel removes any pending job for postID; no-op if absent. A job already
// executing runs to completion.
func (d *Dispatcher) Cancel(postID uint) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job, ok := d.jobs[postID]; ok {
		job.timer.Stop()
		delete(d.jobs, postID)
		d.logger.Info("Publish job cancelled", zap.Uint("post_id", postID))
	}
}

// Pending reports whether a job is currently scheduled for postID, and its
// fire time.
func (d *Dispatcher) Pending(postID uint) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job, ok := d.jobs[postID]; ok {
		return job.fireAt, true
	}
	return time.Time{}, false
}

// Stop cancels all pending timers and waits for in-flight jobs to settle.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	for id, job := range d.jobs {
		job.timer.Stop()
		delete(d.jobs, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.logger.Info("Dispatcher shutdown completed")
}

func (d *Dispatcher) fire(postID uint, seq uint64) {
	// The wait-group join happens under mu so a timer racing Stop either
	// registers before the stopped flag is set or not at all.
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	defer d.wg.Done()

	// Worker slot bounds concurrent handler invocations.
	select {
	case d.slots <- struct{}{}:
	case <-d.ctx.Done():
		return
	}
	defer func() { <-d.slots }()

	backoff := d.backoffBase
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := d.handler(d.ctx, postID)
		if err == nil {
			d.remove(postID, seq)
			return
		}

		d.logger.Error("Publish job attempt failed",
			zap.Uint("post_id", postID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.maxAttempts),
			zap.Error(err))

		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			d.remove(postID, seq)
			return
		}
		backoff *= 2
	}

	// Attempt budget exhausted: the job is dropped and the post is left in
	// whatever state the last attempt produced. External monitoring has to
	// catch this.
	d.logger.Error("Publish job abandoned after retry budget",
		zap.Uint("post_id", postID),
		zap.Int("attempts", d.maxAttempts))
	d.remove(postID, seq)
}

// remove deletes the job entry unless a newer job replaced it meanwhile.
func (d *Dispatcher) remove(postID uint, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if job, ok := d.jobs[postID]; ok && job.seq == seq {
		delete(d.jobs, postID)
	}
}
