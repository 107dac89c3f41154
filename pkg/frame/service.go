package frame

import (
	"sync"

	"github.com/pion/logging"
)

// actorMutexCount is the size of the striped per-actor mutex store.
const actorMutexCount = 64

type svcSlot struct {
	unique  uint32
	actor   Actor
	reactor *Reactor
	runID   RunID
	running bool
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// Name scopes log lines; defaults to "service".
	Name string

	// LoggerFactory creates the service logger; defaults to the pion
	// default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *ServiceConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = "service"
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Service is the process-wide registry mapping stable ActorIds to actors.
// Registration happens under a short mutex which the reactor also acquires
// while installing the actor, so the slot is visible before the first
// dispatch. The striped per-actor mutexes serve higher layers that need to
// coordinate around an actor from other goroutines.
type Service struct {
	config ServiceConfig
	log    logging.LeveledLogger

	mu    sync.Mutex
	slots []svcSlot
	free  []uint64

	actorMtxs [actorMutexCount]sync.Mutex
}

// NewService creates an empty registry.
func NewService(config ServiceConfig) *Service {
	config.applyDefaults()
	return &Service{
		config: config,
		log:    config.LoggerFactory.NewLogger(config.Name),
	}
}

// Name returns the configured service name.
func (s *Service) Name() string { return s.config.Name }

// Register allocates a slot for the actor and returns its stable ActorID.
func (s *Service) Register(a Actor) (ActorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx uint64
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		idx = uint64(len(s.slots))
		s.slots = append(s.slots, svcSlot{})
	}
	slot := &s.slots[idx]
	slot.actor = a
	slot.running = false
	slot.reactor = nil
	slot.runID = InvalidUniqueID()

	id := ActorID{Index: idx, Unique: slot.unique}
	a.Base().actorID = id
	a.Base().service = s
	return id, nil
}

// setRunning records where the actor runs; called by the scheduler right
// after the reactor accepted the push.
func (s *Service) setRunning(id ActorID, r *Reactor, runID RunID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slotOf(id); ok {
		slot.reactor = r
		slot.runID = runID
	}
}

// confirmRunning is acquired by the reactor while installing the actor; the
// shared mutex orders the registration writes before the first dispatch.
func (s *Service) confirmRunning(id ActorID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok := s.slotOf(id); ok {
		slot.running = true
	}
}

// unregisterActor frees the actor's slot; called from the reactor during
// the actor's teardown. The slot unique is bumped so stale ActorIds miss.
func (s *Service) unregisterActor(a Actor) {
	id := a.Base().actorID
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slotOf(id)
	if !ok {
		return
	}
	slot.actor = nil
	slot.reactor = nil
	slot.running = false
	slot.runID = InvalidUniqueID()
	slot.unique++
	s.free = append(s.free, id.Index)
	a.Base().actorID = InvalidUniqueID()
	a.Base().service = nil
}

func (s *Service) slotOf(id ActorID) (*svcSlot, bool) {
	if !id.IsValid() || id.Index >= uint64(len(s.slots)) {
		return nil, false
	}
	slot := &s.slots[id.Index]
	if slot.unique != id.Unique {
		return nil, false
	}
	return slot, true
}

// Raise delivers an event to the actor identified by id, from any
// goroutine, via the actor's reactor.
func (s *Service) Raise(id ActorID, ev Event) error {
	s.mu.Lock()
	slot, ok := s.slotOf(id)
	if !ok || slot.reactor == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	r := slot.reactor
	runID := slot.runID
	s.mu.Unlock()

	if !r.Raise(runID, ev) {
		return ErrStopping
	}
	return nil
}

// RaiseAll delivers an event to every registered actor.
func (s *Service) RaiseAll(ev Event) {
	type target struct {
		r     *Reactor
		runID RunID
	}
	s.mu.Lock()
	targets := make([]target, 0, len(s.slots))
	for i := range s.slots {
		slot := &s.slots[i]
		if slot.actor != nil && slot.reactor != nil {
			targets = append(targets, target{r: slot.reactor, runID: slot.runID})
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		t.r.Raise(t.runID, ev)
	}
}

// ActorCount returns the number of registered actors.
func (s *Service) ActorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for i := range s.slots {
		if s.slots[i].actor != nil {
			count++
		}
	}
	return count
}

// ActorMutex returns the striped mutex assigned to the actor; layers above
// the runtime use it to coordinate pool state keyed by the actor.
func (s *Service) ActorMutex(id ActorID) *sync.Mutex {
	return &s.actorMtxs[id.Index%actorMutexCount]
}
