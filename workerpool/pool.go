// Package workerpool implements an elastic MIN..MAX worker pool, ported
// from Pyro4's tpjobqueue.py (ThreadPooledJobQueue / Worker): a shared job
// queue serviced by goroutines that grow on demand while the queue backs
// up and shrink back to the floor on idle timeout.
package workerpool

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job is an opaque callable enqueued into the pool. A nil job is the
// termination sentinel a worker must halt on unconditionally.
type Job func()

type worker struct{}

// Pool is an elastic pool bounded by [Min, Max]. At all times
// Min <= len(idle)+len(busy) <= Max, except briefly during spawn/halt
// transitions while the lock is held.
type Pool struct {
	mu   sync.Mutex
	idle map[*worker]struct{}
	busy map[*worker]struct{}

	jobs chan Job

	min, max    int
	idleTimeout time.Duration

	log *logrus.Entry

	workersDone sync.WaitGroup
}

// Config bounds and tunes a Pool, matching THREADPOOL_MINTHREADS/
// THREADPOOL_MAXTHREADS/THREADPOOL_IDLETIMEOUT.
type Config struct {
	Min         int
	Max         int
	IdleTimeout time.Duration
	Log         *logrus.Entry
}

// New creates a pool and immediately spawns Min idle workers.
func New(cfg Config) *Pool {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		idle:        make(map[*worker]struct{}),
		busy:        make(map[*worker]struct{}),
		jobs:        make(chan Job, 4096),
		min:         cfg.Min,
		max:         cfg.Max,
		idleTimeout: cfg.IdleTimeout,
		log:         log.WithField("component", "workerpool"),
	}
	p.mu.Lock()
	for i := 0; i < p.min; i++ {
		p.spawnIdleLocked()
	}
	p.mu.Unlock()
	return p
}

// workerCount returns len(idle)+len(busy) under lock.
func (p *Pool) workerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + len(p.busy)
}

// Process enqueues job. If no worker is currently idle and the pool is
// below its cap, a new idle worker is spawned; if the queue is still
// backed up after that, spawning continues until the queue has at most one
// pending job or the cap is reached.
func (p *Pool) Process(job Job) {
	p.jobs <- job
	jobCount := len(p.jobs)
	if jobCount <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		p.spawnIdleLocked()
	}
	for jobCount > 1 {
		before := len(p.idle) + len(p.busy)
		p.spawnIdleLocked()
		if len(p.idle)+len(p.busy) == before {
			// at cap, spawning would be a no-op forever
			break
		}
		jobCount--
	}
}

// spawnIdleLocked spawns a new idle worker if there is still room in the
// pool. Must be called with p.mu held.
func (p *Pool) spawnIdleLocked() {
	if len(p.idle)+len(p.busy) >= p.max {
		return
	}
	w := &worker{}
	p.idle[w] = struct{}{}
	p.workersDone.Add(1)
	p.log.Debugf("spawned new idle worker: %p", w)
	go p.runWorker(w)
}

func (p *Pool) setBusy(w *worker) {
	p.mu.Lock()
	delete(p.idle, w)
	p.busy[w] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) setIdle(w *worker) {
	p.mu.Lock()
	delete(p.busy, w)
	p.idle[w] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) halt(w *worker) {
	p.mu.Lock()
	delete(p.idle, w)
	delete(p.busy, w)
	p.mu.Unlock()
	p.log.Debugf("worker halted: %p", w)
	p.workersDone.Done()
}

// runWorker is the body of Worker.run in tpjobqueue.py: wait for a job up
// to idleTimeout; nil halts unconditionally; a timeout halts only if the
// pool is above Min; a real job runs to completion (a panic halts only
// this worker: it is recovered and logged on this goroutine, not
// propagated).
func (p *Pool) runWorker(w *worker) {
	defer func() {
		if r := recover(); r != nil {
			p.halt(w)
			p.log.Errorf("worker %p halted by panic in job: %v", w, r)
		}
	}()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok || job == nil {
				p.halt(w)
				return
			}
			p.setBusy(w)
			job()
			p.setIdle(w)
		case <-time.After(p.idleTimeout):
			if p.workerCount() > p.min {
				p.halt(w)
				return
			}
			// still at the floor, keep waiting for work
		}
	}
}

// Drain waits while the job queue is non-empty and workers remain, then
// panics if any worker, idle or busy, is still alive, or if a non-nil job
// is still queued. It returns normally only once every worker has halted
// and the queue holds nothing but nil sentinels; a pool with idle workers
// and an empty queue makes it panic.
func (p *Pool) Drain() {
	for len(p.jobs) > 0 && p.workerCount() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if p.workerCount() != 0 {
		panic("workerpool: there are still active workers")
	}
	for len(p.jobs) > 0 {
		job := <-p.jobs
		if job != nil {
			panic("workerpool: job queue still contains jobs")
		}
	}
}

// Close pushes one nil sentinel per current worker and returns without
// blocking; workers halt as they each pick up their sentinel.
func (p *Pool) Close() {
	count := p.workerCount()
	for i := 0; i < count; i++ {
		p.jobs <- nil
	}
	p.log.Debugf("closing down, %d halt-jobs issued", count)
}

// Wait blocks until every spawned worker goroutine has exited. Intended
// for tests and graceful-shutdown paths after Close.
func (p *Pool) Wait() {
	p.workersDone.Wait()
}

// Size reports the current (idle, busy) worker counts, for tests and
// diagnostics.
func (p *Pool) Size() (idle, busy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.busy)
}
