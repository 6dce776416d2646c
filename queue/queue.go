// Package queue is the single choke point for outbound rate-limited
// requests to the upstream provider: it spaces dispatches globally, drains
// three priority lanes strictly in order, coalesces concurrent submissions
// under one dedup key and retries rate-limited tasks with exponential
// backoff.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"mspk/utils"
)

var (
	// ErrRateLimited is the rate-limit signal. Tasks wrap it (e.g. around an
	// HTTP 429) to request a front-of-queue retry; any other error rejects
	// the task immediately.
	ErrRateLimited = errors.New("rate limited")

	ErrClosed = errors.New("queue closed")
)

// Task is one outbound unit of work.
//
// A task must never call Enqueue on the same queue: the dispatcher is
// single-concurrency and would deadlock waiting on itself. Composite
// operations call the leaf fetch directly and let the leaf enqueue.
type Task func() (any, error)

type job struct {
	key      string
	priority int
	task     Task
	attempts int
	addedAt  time.Time

	done   chan struct{}
	result any
	err    error
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Pending       int
	InFlight      int
	TotalRequests int64
	Processed     int64
	Deduplicated  int64
	Errors        int64
	RateLimited   int64
	RPM           float64
	Interval      time.Duration
}

// Queue dispatches tasks one at a time, spaced at least
// 60000/ratePerMinute*safetyFactor milliseconds apart.
type Queue struct {
	mu           sync.Mutex
	lanes        [3][]*job // index 0..2 holds priority 1..3
	pending      map[string]*job
	interval     time.Duration
	safetyFactor float64
	maxRetries   int
	retryBase    time.Duration

	lastDispatch time.Time
	pausedUntil  time.Time
	currentKey   string
	runningSince time.Time

	totalRequests int64
	processed     int64
	deduplicated  int64
	errCount      int64
	rateLimited   int64
	startedAt     time.Time

	notify chan struct{}
	stopCh chan struct{}
	once   sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries caps rate-limit retries per task.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithRetryBase sets the unit of the 2^attempt retry delay.
func WithRetryBase(d time.Duration) Option {
	return func(q *Queue) { q.retryBase = d }
}

// WithSafetyFactor widens the minimum spacing between dispatches.
func WithSafetyFactor(f float64) Option {
	return func(q *Queue) { q.safetyFactor = f }
}

func New(ratePerMinute int, options ...Option) *Queue {
	if ratePerMinute <= 0 {
		ratePerMinute = 50
	}
	q := &Queue{
		pending:      make(map[string]*job),
		safetyFactor: 1.2,
		maxRetries:   3,
		retryBase:    time.Second,
		startedAt:    time.Now(),
		notify:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(q)
	}
	q.interval = spacing(ratePerMinute, q.safetyFactor)
	return q
}

func spacing(ratePerMinute int, safety float64) time.Duration {
	return time.Duration(float64(time.Minute) / float64(ratePerMinute) * safety)
}

// Start launches the serialized dispatcher and the stuck-job monitor. It
// returns immediately; dispatching stops when ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go q.dispatch(ctx)
	go q.monitor(ctx)
}

// Enqueue submits a task and blocks until it resolves. Concurrent calls
// sharing key before resolution await the same execution and receive the
// same result; the task body runs at most once while in-flight.
func (q *Queue) Enqueue(ctx context.Context, key string, priority int, task Task) (any, error) {
	if priority < 1 || priority > 3 {
		priority = 2
	}

	q.mu.Lock()
	if j, ok := q.pending[key]; ok {
		q.deduplicated++
		q.mu.Unlock()
		return q.await(ctx, j)
	}
	j := &job{
		key:      key,
		priority: priority,
		task:     task,
		addedAt:  time.Now(),
		done:     make(chan struct{}),
	}
	q.pending[key] = j
	q.lanes[priority-1] = append(q.lanes[priority-1], j)
	q.totalRequests++
	q.mu.Unlock()

	q.wake()
	return q.await(ctx, j)
}

// await blocks on job resolution. Cancelling ctx abandons the wait only;
// there is no per-task cancellation, a running task runs to completion.
func (q *Queue) await(ctx context.Context, j *job) (any, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.stopCh:
		return nil, ErrClosed
	}
}

// Pause stalls all dispatch until the deadline. Emergency brake for
// detected bursts.
func (q *Queue) Pause(d time.Duration) {
	q.mu.Lock()
	q.pausedUntil = time.Now().Add(d)
	q.mu.Unlock()
	utils.Log.Warnf("[Queue] Paused for %s", d)
}

// EmergencyThrottle drops the dispatch rate to 30 requests/minute.
func (q *Queue) EmergencyThrottle() {
	q.mu.Lock()
	q.interval = spacing(30, q.safetyFactor)
	q.mu.Unlock()
	utils.Log.Warn("[Queue] Emergency throttle activated")
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := 0
	for _, lane := range q.lanes {
		pending += len(lane)
	}
	uptime := time.Since(q.startedAt).Minutes()
	rpm := 0.0
	if uptime > 0 {
		rpm = float64(q.processed) / uptime
	}
	return Stats{
		Pending:       pending,
		InFlight:      len(q.pending),
		TotalRequests: q.totalRequests,
		Processed:     q.processed,
		Deduplicated:  q.deduplicated,
		Errors:        q.errCount,
		RateLimited:   q.rateLimited,
		RPM:           rpm,
		Interval:      q.interval,
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops the front of the highest non-empty priority lane.
func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.lanes {
		if len(q.lanes[i]) > 0 {
			j := q.lanes[i][0]
			q.lanes[i] = q.lanes[i][1:]
			return j
		}
	}
	return nil
}

// requeueFront re-inserts a retried job at the front of the highest
// priority lane so it recovers as soon as the limiter relents.
func (q *Queue) requeueFront(j *job) {
	q.mu.Lock()
	q.lanes[0] = append([]*job{j}, q.lanes[0]...)
	q.mu.Unlock()
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.once.Do(func() { close(q.stopCh) })

	for {
		// Enforce the global spacing before picking a job, so a high
		// priority arrival during the wait still wins.
		q.mu.Lock()
		wait := q.interval - time.Since(q.lastDispatch)
		q.mu.Unlock()
		if wait > 0 {
			if !q.sleep(ctx, wait) {
				return
			}
		}

		q.mu.Lock()
		pauseWait := time.Until(q.pausedUntil)
		q.mu.Unlock()
		if pauseWait > 0 {
			if !q.sleep(ctx, pauseWait) {
				return
			}
		}

		j := q.next()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}
			continue
		}

		q.mu.Lock()
		q.lastDispatch = time.Now()
		q.currentKey = j.key
		q.runningSince = q.lastDispatch
		q.mu.Unlock()

		result, err := j.task()

		q.mu.Lock()
		q.currentKey = ""
		q.mu.Unlock()

		switch {
		case err == nil:
			q.resolve(j, result, nil)
		case errors.Is(err, ErrRateLimited):
			q.mu.Lock()
			q.rateLimited++
			q.mu.Unlock()
			j.attempts++
			if j.attempts <= q.maxRetries {
				delay := q.retryBase << uint(j.attempts)
				utils.Log.Warnf("[Queue] Rate limit hit, retrying %s in %s (attempt %d)", j.key, delay, j.attempts)
				if !q.sleep(ctx, delay) {
					return
				}
				q.requeueFront(j)
				continue
			}
			utils.Log.Errorf("[Queue] Max retries reached for %s", j.key)
			q.resolve(j, nil, err)
		default:
			utils.Log.Errorf("[Queue] Job failed %s: %v", j.key, err)
			q.resolve(j, nil, err)
		}
	}
}

func (q *Queue) resolve(j *job, result any, err error) {
	q.mu.Lock()
	delete(q.pending, j.key)
	if err != nil {
		q.errCount++
	} else {
		q.processed++
	}
	q.mu.Unlock()

	j.result = result
	j.err = err
	close(j.done)
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// monitor warns when a single task holds the dispatcher suspiciously long.
func (q *Queue) monitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			key := q.currentKey
			since := q.runningSince
			q.mu.Unlock()
			if key != "" && time.Since(since) > 15*time.Second {
				utils.Log.Warnf("[Queue] Stuck on job %s for %s", key, time.Since(since).Round(time.Second))
			}
		}
	}
}
