// Package frame implements the asynchronous runtime: cooperative actors
// owning completion handlers (timers, streams), single-goroutine reactors
// driving them, a scheduler distributing actors across a reactor pool, and
// a service registry addressing actors by stable ids.
package frame

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/pion/logging"

	"github.com/solidframe/sframe/pkg/timestore"
)

// pushStub is an externally produced "install this actor" request.
type pushStub struct {
	actor Actor
	svc   *Service
	ev    Event
	runID RunID
}

// raiseStub is an externally produced event or closure addressed to an actor
// or to one of its completion handlers.
type raiseStub struct {
	actorUID   RunID
	handlerUID UniqueID
	fn         func(ctx *Context, ev Event)
	ev         Event
}

// execStub is a queued unit of work: a closure or an event dispatch,
// validated against the target slot uniques right before it runs.
type execStub struct {
	actorUID   RunID
	handlerUID UniqueID
	fn         func(ctx *Context, ev Event)
	ev         Event
}

type actorStub struct {
	unique uint32
	actor  Actor
	svc    *Service
}

type handlerStub struct {
	unique   uint32
	actorIdx int
	h        *CompletionHandler
}

// timerEntry is the TimeStore payload: which handler to fire and the arm
// generation that must still be current at dispatch time.
type timerEntry struct {
	handlerUID UniqueID
	gen        uint64
}

// Reactor is a single-goroutine event loop combining a time store, posted
// closure queues and double-buffered external input. All actor and handler
// callbacks run on the reactor goroutine; other goroutines talk to it only
// through Push and Raise.
type Reactor struct {
	idx int
	log logging.LeveledLogger

	mu        sync.Mutex
	wakeCh    chan struct{}
	pushVec   [2][]pushStub
	raiseVec  [2][]raiseStub
	crtVecIdx int
	mustStop  bool
	freeUIDs  []RunID
	nextIdx   uint64

	// Reactor-goroutine state; never touched by producers.
	actors       []actorStub
	handlers     []handlerStub
	freeHandlers []int
	exec         []execStub
	execHead     int
	tstore       *timestore.Store[timerEntry]
	actorCount   int
	stopPosted   bool

	load atomic.Int64
	done chan struct{}
}

// NewReactor creates a reactor. Run must be called on a dedicated goroutine;
// the Scheduler does both.
func NewReactor(idx int, loggerFactory logging.LoggerFactory) *Reactor {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Reactor{
		idx:    idx,
		log:    loggerFactory.NewLogger("reactor"),
		wakeCh: make(chan struct{}, 1),
		tstore: timestore.New[timerEntry](),
		done:   make(chan struct{}),
	}
}

// Load returns the reactor's scheduling load: installed actors plus work
// not yet drained.
func (r *Reactor) Load() int64 { return r.load.Load() }

// Done is closed when the reactor goroutine exits.
func (r *Reactor) Done() <-chan struct{} { return r.done }

func (r *Reactor) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Push hands a new actor to the reactor. The actor's RunID is allocated
// here, before the reactor thread installs the actor, so the id can be used
// to address the actor as soon as Push returns.
func (r *Reactor) Push(a Actor, svc *Service, ev Event) (RunID, error) {
	r.mu.Lock()
	if r.mustStop {
		r.mu.Unlock()
		return InvalidUniqueID(), ErrStopping
	}
	var uid RunID
	if n := len(r.freeUIDs); n > 0 {
		uid = r.freeUIDs[n-1]
		r.freeUIDs = r.freeUIDs[:n-1]
	} else {
		uid = RunID{Index: r.nextIdx}
		r.nextIdx++
	}
	ab := a.Base()
	ab.runID = uid
	ab.reactor = r
	r.pushVec[r.crtVecIdx] = append(r.pushVec[r.crtVecIdx], pushStub{actor: a, svc: svc, ev: ev, runID: uid})
	r.mu.Unlock()
	r.load.Add(1)
	r.wake()
	return uid, nil
}

// Raise delivers an event to the actor identified by uid, from any
// goroutine. It returns false once the reactor goroutine has exited. A stale uid is
// accepted here and dropped by the reactor when it drains the buffer.
func (r *Reactor) Raise(uid RunID, ev Event) bool {
	return r.raise(raiseStub{actorUID: uid, handlerUID: InvalidUniqueID(), ev: ev})
}

// raiseClosure delivers a closure to a handler slot; used by completion
// sources running off the reactor goroutine (stream pumps).
func (r *Reactor) raiseClosure(actorUID RunID, handlerUID UniqueID, fn func(ctx *Context, ev Event), ev Event) bool {
	return r.raise(raiseStub{actorUID: actorUID, handlerUID: handlerUID, fn: fn, ev: ev})
}

func (r *Reactor) raise(stub raiseStub) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	r.mu.Lock()
	r.raiseVec[r.crtVecIdx] = append(r.raiseVec[r.crtVecIdx], stub)
	r.mu.Unlock()
	r.wake()
	return true
}

// Stop asks the reactor to wind down: remaining actors are stopped through
// the normal two-phase path and the goroutine exits once the queues drain.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.mustStop = true
	r.mu.Unlock()
	r.wake()
}

// Run executes the reactor loop until stopped. It is called by the
// Scheduler on a dedicated goroutine.
func (r *Reactor) Run() {
	defer close(r.done)
	r.log.Debugf("reactor %d running", r.idx)

	for {
		if r.waitForWork() {
			r.log.Debugf("reactor %d done", r.idx)
			return
		}

		now := time.Now()
		r.drainInput()
		r.drainTimers(now)
		r.drainExec()

		r.load.Store(int64(r.actorCount + r.execLen()))
		metrics.SetGauge([]string{"sframe", "reactor", "load"}, float32(r.load.Load()))
	}
}

// waitForWork blocks until there is input, an expired timer or a stop
// request. It returns true when the reactor should exit.
func (r *Reactor) waitForWork() bool {
	for {
		r.mu.Lock()
		hasInput := len(r.pushVec[r.crtVecIdx]) > 0 || len(r.raiseVec[r.crtVecIdx]) > 0
		mustStop := r.mustStop
		r.mu.Unlock()

		if mustStop && !r.stopPosted {
			r.postStopAll()
			r.stopPosted = true
		}
		if r.execLen() > 0 || hasInput {
			return false
		}
		if mustStop && r.actorCount == 0 {
			return true
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if min := r.tstore.MinExpiry(); !min.IsZero() {
			d := time.Until(min)
			if d <= 0 {
				return false
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}
		select {
		case <-r.wakeCh:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// postStopAll enqueues the two-phase stop for every live actor; used when
// the reactor itself is asked to stop.
func (r *Reactor) postStopAll() {
	for idx := range r.actors {
		st := &r.actors[idx]
		if st.actor == nil {
			continue
		}
		uid := RunID{Index: uint64(idx), Unique: st.unique}
		r.enqueue(execStub{actorUID: uid, handlerUID: InvalidUniqueID(), fn: stopActorRepost})
	}
}

// drainInput swaps the external buffers and installs pushed actors and
// routes raised events, in that order.
func (r *Reactor) drainInput() {
	r.mu.Lock()
	cur := r.crtVecIdx
	pushes := r.pushVec[cur]
	raises := r.raiseVec[cur]
	if len(pushes) > 0 || len(raises) > 0 {
		r.crtVecIdx = 1 - cur
	} else {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	for i := range pushes {
		r.installActor(&pushes[i])
	}
	for i := range raises {
		r.routeRaise(&raises[i])
	}

	// The swapped buffers are exclusively ours until the next swap, which
	// happens under the lock.
	r.pushVec[cur] = pushes[:0]
	r.raiseVec[cur] = raises[:0]
}

func (r *Reactor) installActor(stub *pushStub) {
	idx := int(stub.runID.Index)
	for len(r.actors) <= idx {
		r.actors = append(r.actors, actorStub{})
	}
	st := &r.actors[idx]
	st.unique = stub.runID.Unique
	st.actor = stub.actor
	st.svc = stub.svc
	r.actorCount++

	ab := stub.actor.Base()
	// Serialize with the service registration mutex so the slot written by
	// the registering goroutine is visible before the first dispatch.
	if stub.svc != nil {
		stub.svc.confirmRunning(ab.actorID)
	}

	r.enqueue(execStub{actorUID: stub.runID, handlerUID: InvalidUniqueID(), ev: stub.ev})

	pending := ab.pending
	ab.pending = nil
	for _, h := range pending {
		r.installHandler(h, idx)
	}

	// An actor installed after the reactor posted its stop-all still has to
	// be stopped, or the reactor would never run out of actors.
	if r.stopPosted {
		r.enqueue(execStub{actorUID: stub.runID, handlerUID: InvalidUniqueID(), fn: stopActorRepost})
	}
}

func (r *Reactor) routeRaise(stub *raiseStub) {
	idx := stub.actorUID.Index
	if idx >= uint64(len(r.actors)) {
		return
	}
	st := &r.actors[idx]
	if st.actor == nil || st.unique != stub.actorUID.Unique {
		r.log.Tracef("reactor %d: dropping stale raise for %s", r.idx, stub.actorUID)
		return
	}
	r.enqueue(execStub{actorUID: stub.actorUID, handlerUID: stub.handlerUID, fn: stub.fn, ev: stub.ev})
}

func (r *Reactor) drainTimers(now time.Time) {
	r.tstore.PopExpired(now, func(entry timerEntry, _ time.Time, _ int) {
		hidx := entry.handlerUID.Index
		if hidx >= uint64(len(r.handlers)) {
			return
		}
		hs := &r.handlers[hidx]
		if hs.h == nil || hs.unique != entry.handlerUID.Unique {
			return
		}
		as := &r.actors[hs.actorIdx]
		r.enqueue(execStub{
			actorUID:   RunID{Index: uint64(hs.actorIdx), Unique: as.unique},
			handlerUID: entry.handlerUID,
			ev:         Event{Kind: EventTimer, Tag: entry.gen},
		})
	})
}

func (r *Reactor) execLen() int { return len(r.exec) - r.execHead }

func (r *Reactor) enqueue(stub execStub) {
	r.exec = append(r.exec, stub)
}

// drainExec runs queued stubs until the queue empties. Stubs enqueued from
// within a callback are picked up by the same drain, never recursively.
func (r *Reactor) drainExec() {
	for r.execHead < len(r.exec) {
		stub := r.exec[r.execHead]
		r.execHead++
		r.dispatch(&stub)
	}
	r.exec = r.exec[:0]
	r.execHead = 0
}

func (r *Reactor) dispatch(stub *execStub) {
	aidx := stub.actorUID.Index
	if aidx >= uint64(len(r.actors)) {
		return
	}
	st := &r.actors[aidx]
	if st.actor == nil || st.unique != stub.actorUID.Unique {
		return
	}

	ctx := Context{reactor: r, actorIdx: int(aidx), handlerIdx: handlerInvalid}

	if stub.handlerUID.IsValid() {
		hidx := stub.handlerUID.Index
		if hidx >= uint64(len(r.handlers)) {
			return
		}
		hs := &r.handlers[hidx]
		if hs.h == nil || hs.unique != stub.handlerUID.Unique {
			return
		}
		ctx.handlerIdx = int(hidx)
		if stub.fn != nil {
			stub.fn(&ctx, stub.ev)
		} else {
			hs.h.callback(&ctx, stub.ev)
		}
		return
	}

	if stub.fn != nil {
		stub.fn(&ctx, stub.ev)
		return
	}
	st.actor.OnEvent(&ctx, stub.ev)
}

// installHandler allocates a handler slot and queues its Init event.
func (r *Reactor) installHandler(h *CompletionHandler, actorIdx int) {
	var idx int
	if n := len(r.freeHandlers); n > 0 {
		idx = r.freeHandlers[n-1]
		r.freeHandlers = r.freeHandlers[:n-1]
	} else {
		idx = len(r.handlers)
		r.handlers = append(r.handlers, handlerStub{})
	}
	hs := &r.handlers[idx]
	hs.actorIdx = actorIdx
	hs.h = h
	h.idx = idx
	h.unique = hs.unique

	ab := r.actors[actorIdx].actor.Base()
	ab.installed = append(ab.installed, h)

	as := &r.actors[actorIdx]
	r.enqueue(execStub{
		actorUID:   RunID{Index: uint64(actorIdx), Unique: as.unique},
		handlerUID: h.HandlerID(),
		ev:         Event{Kind: EventInit},
	})
}

// uninstallHandler frees the handler slot; idempotent. No events are
// delivered for the handler afterwards.
func (r *Reactor) uninstallHandler(h *CompletionHandler) {
	if h.idx == handlerInvalid {
		return
	}
	hs := &r.handlers[h.idx]
	ab := r.actors[hs.actorIdx].actor.Base()
	ab.dropInstalled(h)
	hs.h = nil
	hs.unique++
	r.freeHandlers = append(r.freeHandlers, h.idx)
	h.idx = handlerInvalid
}

// stopActorRepost is phase one of the two-phase actor stop: it re-enqueues
// itself as stopActor so that every event already queued for the actor is
// dispatched before the slot is freed.
func stopActorRepost(ctx *Context, _ Event) {
	r := ctx.reactor
	st := &r.actors[ctx.actorIdx]
	r.enqueue(execStub{
		actorUID:   RunID{Index: uint64(ctx.actorIdx), Unique: st.unique},
		handlerUID: InvalidUniqueID(),
		fn:         stopActor,
	})
}

// stopActor is phase two: clear handlers, notify the actor, unregister from
// the service and free the reactor slot.
func stopActor(ctx *Context, _ Event) {
	ctx.reactor.doStopActor(ctx)
}

func (r *Reactor) doStopActor(ctx *Context) {
	st := &r.actors[ctx.actorIdx]
	a := st.actor
	ab := a.Base()

	for len(ab.installed) > 0 {
		h := ab.installed[len(ab.installed)-1]
		hctx := Context{reactor: r, actorIdx: ctx.actorIdx, handlerIdx: h.idx}
		h.callback(&hctx, Event{Kind: EventClear})
		r.uninstallHandler(h)
	}
	ab.pending = nil

	a.OnEvent(ctx, Event{Kind: EventClear})

	if st.svc != nil {
		st.svc.unregisterActor(a)
	}

	st.actor = nil
	st.svc = nil
	st.unique++
	r.actorCount--
	r.load.Add(-1)
	ab.reactor = nil

	r.mu.Lock()
	r.freeUIDs = append(r.freeUIDs, RunID{Index: uint64(ctx.actorIdx), Unique: st.unique})
	r.mu.Unlock()
}

// armTimer stores a timer entry and returns its TimeStore index.
func (r *Reactor) armTimer(h *CompletionHandler, at time.Time, gen uint64) int {
	return r.tstore.Push(at, timerEntry{handlerUID: h.HandlerID(), gen: gen})
}

// cancelTimer removes the entry at storeIdx if it still belongs to the
// handler generation; a fired-but-undispatched timer no longer does.
func (r *Reactor) cancelTimer(h *CompletionHandler, storeIdx int, gen uint64) {
	entry, ok := r.tstore.Get(storeIdx)
	if !ok || entry.gen != gen || entry.handlerUID != h.HandlerID() {
		return
	}
	r.tstore.Pop(storeIdx)
}

// updateTimer removes the entry at storeIdx when it still belongs to the
// handler, then arms a new entry. Returns the new store index, which is
// often the freed one since freed indices are reused first.
func (r *Reactor) updateTimer(h *CompletionHandler, storeIdx int, at time.Time, gen uint64) int {
	if entry, ok := r.tstore.Get(storeIdx); ok && entry.handlerUID == h.HandlerID() {
		r.tstore.Pop(storeIdx)
	}
	return r.tstore.Push(at, timerEntry{handlerUID: h.HandlerID(), gen: gen})
}
