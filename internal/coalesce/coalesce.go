// Package coalesce deduplicates concurrent identical upstream work.
//
// All requests sharing a fingerprint attach to one Flight. The first caller
// becomes the leader and runs the upstream call on the flight's own context,
// which is detached from any single client: a leader that disconnects does
// not abort the work as long as at least one follower is still attached.
// Only when the waiter count reaches zero is the upstream call cancelled.
package coalesce

import (
	"context"
	"sync"
	"time"

	"github.com/watchllm/watchllm-proxy/internal/cachestore"
)

// MaxFlightAge bounds how old a flight may be before new arrivals stop
// attaching to it and compute independently. Guards against a wedged
// upstream stream accumulating followers forever.
const MaxFlightAge = 30 * time.Second

// Role describes how a caller relates to a flight.
type Role int

const (
	// Leader runs the upstream call and publishes the result.
	Leader Role = iota
	// Follower consumes the leader's result.
	Follower
	// Solo bypasses coalescing (the existing flight was too old).
	Solo
)

// Result is the terminal outcome of a flight.
type Result struct {
	Entry *cachestore.Entry // nil when Err is set
	Err   error
}

// Flight is one in-progress upstream computation.
type Flight struct {
	key     string
	group   *Group
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc

	hub *StreamHub

	mu      sync.Mutex
	waiters int
	done    chan struct{}
	result  *Result
}

// Group tracks in-flight computations by key.
type Group struct {
	mu      sync.Mutex
	flights map[string]*Flight
	maxAge  time.Duration
	now     func() time.Time
}

// NewGroup creates an empty Group.
func NewGroup() *Group {
	return &Group{
		flights: make(map[string]*Flight),
		maxAge:  MaxFlightAge,
		now:     time.Now,
	}
}

// Join attaches the caller to the flight for key, creating it when absent.
// base seeds the flight context for a new flight; the flight context is
// derived with context.WithoutCancel so a leader disconnect does not tear
// down the upstream call, then bounded by timeout.
//
// The returned role is Solo when an existing flight has exceeded MaxFlightAge;
// the caller then computes independently and must not touch the flight.
// Leader and Follower callers hold a waiter slot and must call Leave exactly
// once when they stop waiting.
func (g *Group) Join(base context.Context, key string, timeout time.Duration) (*Flight, Role) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if f, ok := g.flights[key]; ok {
		if g.now().Sub(f.started) > g.maxAge {
			return nil, Solo
		}
		f.mu.Lock()
		f.waiters++
		f.mu.Unlock()
		return f, Follower
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(base), timeout)
	f := &Flight{
		key:     key,
		group:   g,
		started: g.now(),
		ctx:     fctx,
		cancel:  cancel,
		hub:     newStreamHub(),
		waiters: 1,
		done:    make(chan struct{}),
	}
	g.flights[key] = f
	return f, Leader
}

// remove detaches the flight from the group so later arrivals start fresh.
func (g *Group) remove(f *Flight) {
	g.mu.Lock()
	if cur, ok := g.flights[f.key]; ok && cur == f {
		delete(g.flights, f.key)
	}
	g.mu.Unlock()
}

// Inflight reports the number of open flights.
func (g *Group) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.flights)
}

// Context is the flight-owned context for the upstream call. It outlives any
// individual client and is cancelled when the last waiter leaves.
func (f *Flight) Context() context.Context { return f.ctx }

// Hub exposes the streaming fan-out for this flight.
func (f *Flight) Hub() *StreamHub { return f.hub }

// Age returns how long the flight has been running.
func (f *Flight) Age() time.Duration { return time.Since(f.started) }

// Leave releases the caller's waiter slot. When the last waiter leaves an
// unfinished flight, the upstream context is cancelled: nobody is listening
// anymore. Safe to call from leaders and followers alike.
func (f *Flight) Leave() {
	f.mu.Lock()
	f.waiters--
	abandoned := f.waiters <= 0 && f.result == nil
	f.mu.Unlock()

	if abandoned {
		f.cancel()
		f.group.remove(f)
	}
}

// Finish records the terminal result, wakes all waiters, and detaches the
// flight from its group. Called exactly once by whichever goroutine ran the
// upstream call. Finish does not release the caller's waiter slot.
func (f *Flight) Finish(res *Result) {
	f.mu.Lock()
	if f.result != nil {
		f.mu.Unlock()
		return
	}
	f.result = res
	close(f.done)
	f.mu.Unlock()

	f.group.remove(f)
	f.hub.closeIfOpen(res.Err)
	f.cancel()
}

// Wait blocks until the flight finishes or ctx expires. A ctx expiry returns
// ctx.Err(); the flight itself keeps running for the remaining waiters. The
// caller must still call Leave.
func (f *Flight) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the completion channel.
func (f *Flight) Done() <-chan struct{} { return f.done }

// Waiters reports the current waiter count.
func (f *Flight) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiters
}
