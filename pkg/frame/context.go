package frame

import "time"

// Context is the only handle a callback has into its reactor. It is valid
// for the duration of the call and must not be stored; capabilities that
// outlive the call (timers, streams) go through their completion handlers.
type Context struct {
	reactor    *Reactor
	actorIdx   int
	handlerIdx int
}

// Reactor returns the reactor running the current callback.
func (c *Context) Reactor() *Reactor { return c.reactor }

// Actor returns the actor the current callback belongs to.
func (c *Context) Actor() Actor { return c.reactor.actors[c.actorIdx].actor }

// Service returns the service the current actor is registered with.
func (c *Context) Service() *Service { return c.reactor.actors[c.actorIdx].svc }

// RunID returns the current actor's reactor slot id.
func (c *Context) RunID() RunID {
	return RunID{Index: uint64(c.actorIdx), Unique: c.reactor.actors[c.actorIdx].unique}
}

// ActorID returns the current actor's service slot id.
func (c *Context) ActorID() ActorID { return c.Actor().Base().ActorID() }

// Now returns the current wall-clock time.
func (c *Context) Now() time.Time { return time.Now() }

// Post enqueues a closure for the current actor with no readiness
// condition; it runs later in the same tick's drain, never recursively.
func (c *Context) Post(fn func(ctx *Context, ev Event), ev Event) {
	c.reactor.enqueue(execStub{actorUID: c.RunID(), handlerUID: InvalidUniqueID(), fn: fn, ev: ev})
}

// PostEvent enqueues an event dispatch to the current actor's OnEvent.
func (c *Context) PostEvent(ev Event) {
	c.reactor.enqueue(execStub{actorUID: c.RunID(), handlerUID: InvalidUniqueID(), ev: ev})
}

// PostActorStop starts the two-phase stop of the current actor: every event
// already queued for the actor is delivered first, then the handlers receive
// Clear, the service unregisters the actor and the slot's unique is bumped.
func (c *Context) PostActorStop() {
	c.reactor.enqueue(execStub{actorUID: c.RunID(), handlerUID: InvalidUniqueID(), fn: stopActorRepost})
}

// RegisterHandler installs a handler created from within a callback; its
// Init event is queued for the current tick's drain.
func (c *Context) RegisterHandler(h *CompletionHandler) {
	if h.IsActive() {
		return
	}
	ab := c.Actor().Base()
	for i, cur := range ab.pending {
		if cur == h {
			ab.pending = append(ab.pending[:i], ab.pending[i+1:]...)
			break
		}
	}
	c.reactor.installHandler(h, c.actorIdx)
}

// UnregisterHandler delivers Clear to the handler and frees its slot.
// Idempotent; no events reach the handler afterwards.
func (c *Context) UnregisterHandler(h *CompletionHandler) {
	if !h.IsActive() {
		return
	}
	hctx := Context{reactor: c.reactor, actorIdx: c.actorIdx, handlerIdx: h.idx}
	h.callback(&hctx, Event{Kind: EventClear})
	c.reactor.uninstallHandler(h)
}
