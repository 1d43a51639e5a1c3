// Package worker runs jobs on an elastic goroutine pool while keeping callers fair:
// jobs are grouped per key and keys take turns in least recently served order.
package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrDispatcherBusy is returned when the pending job limit is reached.
	ErrDispatcherBusy = errors.New("dispatcher queue is full")
	// ErrDispatcherStopped is returned for jobs submitted or pending after Stop.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
	// ErrJobCanceled is returned for pending jobs dropped by CancelKey.
	ErrJobCanceled = errors.New("job canceled")
)

// Config sizes the dispatcher.
type Config struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job
	limit    int64
	pending  atomic.Int64

	mu        sync.Mutex
	queues    map[string]*keyQueue // pending jobs of each key
	ready     *list.List           // LRU queue of keys
	positions map[string]*list.Element

	quit     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout),
		jobQueue:  make(chan Job, cfg.QueueSize),
		limit:     int64(cfg.QueueSize),
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Do runs fn on the pool under key and waits for its result. It fails fast with
// ErrDispatcherBusy instead of queueing past the configured limit. If ctx ends first
// Do returns ctx.Err() and the job, when it eventually runs, sees a done context.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	select {
	case <-d.quit:
		return ErrDispatcherStopped
	default:
	}
	if d.pending.Add(1) > d.limit {
		d.pending.Add(-1)
		return ErrDispatcherBusy
	}
	job := Job{key: key, ctx: ctx, run: fn, done: make(chan error, 1)}
	select {
	case d.jobQueue <- job:
	case <-d.quit:
		d.pending.Add(-1)
		return ErrDispatcherStopped
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelKey drops the pending jobs of key. Running jobs are not interrupted.
func (d *Dispatcher) CancelKey(key string) {
	d.mu.Lock()
	q := d.queues[key]
	delete(d.queues, key)
	if elem, ok := d.positions[key]; ok {
		d.ready.Remove(elem)
		delete(d.positions, key)
	}
	d.mu.Unlock()

	if q == nil {
		return
	}
	for _, job := range q.jobs {
		d.pending.Add(-1)
		job.finish(ErrJobCanceled)
	}
}

// Stop stops accepting jobs, fails the pending ones and shuts the pool down.
// Running jobs finish normally.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		<-d.stopped

		d.mu.Lock()
		queues := d.queues
		d.queues = make(map[string]*keyQueue)
		d.ready.Init()
		d.positions = make(map[string]*list.Element)
		d.mu.Unlock()
		for _, q := range queues {
			for _, job := range q.jobs {
				job.finish(ErrDispatcherStopped)
			}
		}
		for {
			select {
			case job := <-d.jobQueue:
				job.finish(ErrDispatcherStopped)
			default:
				return
			}
		}
	})
}

// Pending reports the number of jobs accepted but not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	return int(d.pending.Load())
}

func (d *Dispatcher) run() {
	defer close(d.stopped)
	for {
		// dispatch one job of the key in the front of the LRU queue
		dispatched, ok := d.dispatchOne()
		if !ok {
			return
		}
		if !dispatched {
			select {
			case job := <-d.jobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.key] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.key] = d.ready.PushBack(job.key)
}

// dispatchOne hands the next job of the least recently served key to a worker.
// It reports whether a job was dispatched and false as second value once the pool
// is closed.
func (d *Dispatcher) dispatchOne() (bool, bool) {
	job, ok := d.nextJob()
	if !ok {
		return false, true
	}
	meta, ok := d.pool.acquire()
	d.pending.Add(-1)
	if !ok {
		job.finish(ErrDispatcherStopped)
		return false, false
	}
	debugLog("[dispatcher] assign job for key %s to worker-%d", job.key, meta.id)
	meta.ch <- job
	return true, true
}

// nextJob pops the first job of the key in front of the LRU queue and moves the
// key to the back, or drops it when it has nothing left.
func (d *Dispatcher) nextJob() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem := d.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	return job, true
}
