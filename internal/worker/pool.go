// Package worker bounds how many key derivations run at once.
//
// Argon2id with default parameters holds 64 MiB per call, so an HTTP
// server without a bound could be pushed into swapping by a burst of
// unlock requests. Pool is a counting semaphore, not a set of worker
// goroutines: Run waits for a slot and then calls fn on the caller's
// goroutine, so a panic in fn reaches the caller.
package worker

import (
	"runtime"
	"sync/atomic"
)

// Pool limits concurrent Run calls. It implements vault.Runner.
type Pool struct {
	sem    chan struct{}
	active atomic.Int64
}

// New returns a pool running at most size functions concurrently. A size
// below 1 uses GOMAXPROCS/2, at least 1.
func New(size int) *Pool {
	if size < 1 {
		size = max(runtime.GOMAXPROCS(0)/2, 1)
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Run executes fn on the calling goroutine once a slot is free.
func (p *Pool) Run(fn func()) {
	p.sem <- struct{}{}
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		<-p.sem
	}()
	fn()
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return cap(p.sem) }

// Active returns the number of functions currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }
