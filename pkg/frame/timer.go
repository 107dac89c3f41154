package frame

import "time"

// Timer is a completion handler that arms entries in its reactor's time
// store. A fired-but-not-yet-dispatched expiry can still be observed as a
// spurious wakeup; the arm generation filters those out, so the callback
// fires at most once per arm.
type Timer struct {
	h        *CompletionHandler
	storeIdx int
	armed    bool
	gen      uint64
	fn       func(ctx *Context)
}

// NewTimer creates a timer owned by actor. Like any completion handler it
// becomes usable once its Init event was delivered on the actor's reactor.
func NewTimer(actor *ActorBase) *Timer {
	t := &Timer{storeIdx: timestoreInvalid}
	t.h = NewCompletionHandler(actor, t.onCompletion)
	return t
}

const timestoreInvalid = -1

// Handler exposes the underlying completion handler.
func (t *Timer) Handler() *CompletionHandler { return t.h }

// IsArmed reports whether an expiry is outstanding.
func (t *Timer) IsArmed() bool { return t.armed }

// ArmAfter schedules fn to run on the reactor goroutine after d. Re-arming
// an armed timer reschedules it.
func (t *Timer) ArmAfter(ctx *Context, d time.Duration, fn func(ctx *Context)) error {
	return t.Arm(ctx, time.Now().Add(d), fn)
}

// Arm schedules fn to run on the reactor goroutine at the given time.
func (t *Timer) Arm(ctx *Context, at time.Time, fn func(ctx *Context)) error {
	if !t.h.IsActive() {
		return ErrHandlerClosed
	}
	t.gen++
	t.fn = fn
	if t.armed {
		t.storeIdx = ctx.reactor.updateTimer(t.h, t.storeIdx, at, t.gen)
	} else {
		t.storeIdx = ctx.reactor.armTimer(t.h, at, t.gen)
	}
	t.armed = true
	return nil
}

// Cancel disarms the timer; the callback will not run. A concurrent expiry
// already queued is discarded by the generation check.
func (t *Timer) Cancel(ctx *Context) {
	if !t.armed {
		return
	}
	t.armed = false
	if t.storeIdx != timestoreInvalid {
		ctx.reactor.cancelTimer(t.h, t.storeIdx, t.gen)
		t.storeIdx = timestoreInvalid
	}
	t.gen++
	t.fn = nil
}

func (t *Timer) onCompletion(ctx *Context, ev Event) {
	switch ev.Kind {
	case EventInit:
	case EventClear:
		if t.armed && t.storeIdx != timestoreInvalid {
			ctx.reactor.cancelTimer(t.h, t.storeIdx, t.gen)
		}
		t.armed = false
		t.storeIdx = timestoreInvalid
		t.fn = nil
	case EventTimer:
		if !t.armed || ev.Tag != t.gen {
			// Spurious: canceled or re-armed after this expiry was queued.
			return
		}
		t.armed = false
		t.storeIdx = timestoreInvalid
		fn := t.fn
		t.fn = nil
		if fn != nil {
			fn(ctx)
		}
	}
}
