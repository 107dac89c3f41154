package frame

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// timerActor arms a set of timers on Init.
type timerActor struct {
	ActorBase
	setup func(ctx *Context)
}

func (a *timerActor) OnEvent(ctx *Context, ev Event) {
	if ev.Kind == EventInit && a.setup != nil {
		a.setup(ctx)
	}
}

func TestTimerFires(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	var fired atomic.Bool
	a := &timerActor{}
	tm := NewTimer(&a.ActorBase)
	a.setup = func(ctx *Context) {
		if err := tm.ArmAfter(ctx, 5*time.Millisecond, func(*Context) {
			if tm.IsArmed() {
				t.Error("timer still armed inside its callback")
			}
			fired.Store(true)
		}); err != nil {
			t.Errorf("ArmAfter: %v", err)
		}
	}
	if _, err := sched.Schedule(a, svc, Event{Kind: EventInit}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, time.Second, fired.Load)
}

func TestTimerCancel(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	var fired atomic.Bool
	a := &timerActor{}
	tm := NewTimer(&a.ActorBase)
	a.setup = func(ctx *Context) {
		_ = tm.ArmAfter(ctx, 10*time.Millisecond, func(*Context) {
			fired.Store(true)
		})
		tm.Cancel(ctx)
	}
	if _, err := sched.Schedule(a, svc, Event{Kind: EventInit}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("canceled timer fired")
	}
}

func TestTimerRearmSupersedesOldExpiry(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	var count atomic.Int32
	a := &timerActor{}
	tm := NewTimer(&a.ActorBase)
	a.setup = func(ctx *Context) {
		_ = tm.ArmAfter(ctx, time.Millisecond, func(*Context) { count.Add(1) })
		// Re-arm immediately: only the second arm may fire, once.
		_ = tm.ArmAfter(ctx, 5*time.Millisecond, func(*Context) { count.Add(1) })
	}
	if _, err := sched.Schedule(a, svc, Event{Kind: EventInit}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, time.Second, func() bool { return count.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("callback ran %d times, want 1", got)
	}
}

func TestTimerFairnessManyShortOneLong(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	const short = 10000
	var fired atomic.Int32
	var longFired atomic.Bool
	var mu sync.Mutex
	timers := make([]*Timer, 0, short+1)

	a := &timerActor{}
	for i := 0; i < short; i++ {
		timers = append(timers, NewTimer(&a.ActorBase))
	}
	long := NewTimer(&a.ActorBase)

	a.setup = func(ctx *Context) {
		mu.Lock()
		defer mu.Unlock()
		for _, tm := range timers {
			tm := tm
			_ = tm.ArmAfter(ctx, time.Millisecond, func(*Context) {
				if tm.IsArmed() {
					t.Error("short timer armed state not cleared in callback")
				}
				fired.Add(1)
			})
		}
		_ = long.ArmAfter(ctx, 5*time.Second, func(*Context) { longFired.Store(true) })
	}
	if _, err := sched.Schedule(a, svc, Event{Kind: EventInit}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return fired.Load() == short })
	if longFired.Load() {
		t.Fatal("5s timer fired alongside the 1ms batch")
	}
	if got := fired.Load(); got != short {
		t.Fatalf("fired %d short timers, want %d", got, short)
	}
}
