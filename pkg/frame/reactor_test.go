package frame

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingActor collects the events it receives, in order.
type recordingActor struct {
	ActorBase
	mu     sync.Mutex
	events []Event
	onEv   func(ctx *Context, ev Event)
}

func (a *recordingActor) OnEvent(ctx *Context, ev Event) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
	if a.onEv != nil {
		a.onEv(ctx, ev)
	}
}

func (a *recordingActor) kinds() []EventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]EventKind, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Kind
	}
	return out
}

func startScheduler(t *testing.T, n int) *Scheduler {
	t.Helper()
	s := NewScheduler(SchedulerConfig{})
	if err := s.Start(n); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestScheduleDeliversInit(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	a := &recordingActor{}
	id, err := sched.Schedule(a, svc, Event{Kind: EventInit})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !id.IsValid() {
		t.Fatal("invalid actor id")
	}

	waitFor(t, time.Second, func() bool { return len(a.kinds()) > 0 })
	if got := a.kinds()[0]; got != EventInit {
		t.Fatalf("first event = %v, want Init", got)
	}
}

func TestRaiseInOrderFromSingleSource(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	a := &recordingActor{}
	id, err := sched.Schedule(a, svc, Event{Kind: EventInit})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		if err := svc.Raise(id, MakeEvent(uint64(i), nil)); err != nil {
			t.Fatalf("Raise(%d): %v", i, err)
		}
	}

	waitFor(t, time.Second, func() bool { return len(a.kinds()) >= n+1 })

	a.mu.Lock()
	defer a.mu.Unlock()
	tag := uint64(0)
	for _, ev := range a.events {
		if ev.Kind != EventUser {
			continue
		}
		if ev.Tag != tag {
			t.Fatalf("event tag = %d, want %d (out of order)", ev.Tag, tag)
		}
		tag++
	}
	if tag != n {
		t.Fatalf("delivered %d user events, want %d", tag, n)
	}
}

func TestStaleRaiseDropped(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	a := &recordingActor{}
	a.onEv = func(ctx *Context, ev Event) {
		if ev.Kind == EventInit {
			ctx.PostActorStop()
		}
	}
	id, err := sched.Schedule(a, svc, Event{Kind: EventInit})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, time.Second, func() bool { return svc.ActorCount() == 0 })

	// The service slot unique was bumped; a raise with the old id must fail.
	if err := svc.Raise(id, MakeEvent(1, nil)); err == nil {
		t.Fatal("Raise with stale ActorID succeeded")
	}

	before := len(a.kinds())
	time.Sleep(10 * time.Millisecond)
	if got := len(a.kinds()); got != before {
		t.Fatalf("stale events delivered: %d -> %d", before, got)
	}
}

func TestTwoPhaseStopDrainsPostedEvents(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	// On Init: post three events, then request stop. All three must be
	// observed before Clear.
	a := &recordingActor{}
	a.onEv = func(ctx *Context, ev Event) {
		if ev.Kind == EventInit {
			for i := uint64(1); i <= 3; i++ {
				ctx.PostEvent(MakeEvent(i, nil))
			}
			ctx.PostActorStop()
		}
	}
	if _, err := sched.Schedule(a, svc, Event{Kind: EventInit}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		ks := a.kinds()
		return len(ks) > 0 && ks[len(ks)-1] == EventClear
	})

	want := []EventKind{EventInit, EventUser, EventUser, EventUser, EventClear}
	got := a.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestPostRunsSameTickNotRecursively(t *testing.T) {
	sched := startScheduler(t, 1)
	defer sched.Stop()
	svc := NewService(ServiceConfig{Name: "test"})

	var order []int
	var mu sync.Mutex
	var inCallback atomic.Bool

	a := &recordingActor{}
	a.onEv = func(ctx *Context, ev Event) {
		if ev.Kind != EventInit {
			return
		}
		inCallback.Store(true)
		ctx.Post(func(ctx *Context, _ Event) {
			if inCallback.Load() {
				t.Error("posted closure ran re-entrantly")
			}
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
		}, Event{})
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		inCallback.Store(false)
	}
	if _, err := sched.Schedule(a, svc, Event{Kind: EventInit}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestSchedulerStopClearsActors(t *testing.T) {
	sched := startScheduler(t, 2)
	svc := NewService(ServiceConfig{Name: "test"})

	actors := make([]*recordingActor, 5)
	for i := range actors {
		actors[i] = &recordingActor{}
		if _, err := sched.Schedule(actors[i], svc, Event{Kind: EventInit}); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	sched.Stop()

	for i, a := range actors {
		ks := a.kinds()
		if len(ks) == 0 || ks[len(ks)-1] != EventClear {
			t.Fatalf("actor %d events = %v, want trailing Clear", i, ks)
		}
	}
	if svc.ActorCount() != 0 {
		t.Fatalf("ActorCount = %d after Stop, want 0", svc.ActorCount())
	}
}
