// Package workerpool runs batches of error-returning jobs over a fixed number
// of goroutines.
package workerpool

import (
	"sync"
)

// Job is a unit of work submitted to a Pool.
type Job func() error

// Pool runs submitted jobs on a fixed number of worker goroutines. Jobs added
// after Stop are discarded; jobs already started are allowed to finish.
type Pool struct {
	mu      sync.Mutex
	queue   []Job
	wg      sync.WaitGroup
	slots   chan struct{}
	stopped bool
	err     error
}

// New returns a Pool running at most numGo jobs concurrently.
func New(numGo int) *Pool {
	if numGo < 1 {
		numGo = 1
	}
	return &Pool{
		slots: make(chan struct{}, numGo),
	}
}

// Add enqueues jobs for execution and returns immediately.
func (p *Pool) Add(jobs []Job) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, jobs...)
	p.wg.Add(len(jobs))
	p.mu.Unlock()

	for range jobs {
		go p.runNext()
	}
}

func (p *Pool) runNext() {
	p.slots <- struct{}{}
	defer func() { <-p.slots }()
	defer p.wg.Done()

	p.mu.Lock()
	if len(p.queue) == 0 {
		// Stop removed unstarted jobs
		p.mu.Unlock()
		return
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	p.mu.Unlock()

	if err := job(); err != nil {
		p.mu.Lock()
		if p.err == nil {
			p.err = err
		}
		p.mu.Unlock()
	}
}

// Wait blocks until all enqueued jobs have finished, then returns the first
// error any job returned.
func (p *Pool) Wait() error {
	p.wg.Wait()
	return p.Err()
}

// Stop removes any unstarted jobs from the queue; running jobs finish normally.
// The goroutines already spawned for the removed jobs find an empty queue and
// call Done themselves, so the WaitGroup is not decremented here.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.queue = nil
}

// Err returns the first error returned by any job so far.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
