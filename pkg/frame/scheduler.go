package frame

import (
	"sync"

	"github.com/pion/logging"
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// LoggerFactory creates the scheduler and reactor loggers; defaults to
	// the pion default factory.
	LoggerFactory logging.LoggerFactory
}

func (c *SchedulerConfig) applyDefaults() {
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Scheduler owns a fixed pool of reactors and places new actors onto the
// least loaded one.
type Scheduler struct {
	config SchedulerConfig
	log    logging.LeveledLogger

	mu       sync.Mutex
	reactors []*Reactor
	started  bool
	stopped  bool
}

// NewScheduler creates a scheduler; call Start before Schedule.
func NewScheduler(config SchedulerConfig) *Scheduler {
	config.applyDefaults()
	return &Scheduler{
		config: config,
		log:    config.LoggerFactory.NewLogger("scheduler"),
	}
}

// Start spawns n reactor goroutines.
func (s *Scheduler) Start(n int) error {
	if n <= 0 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.reactors = make([]*Reactor, n)
	for i := range s.reactors {
		r := NewReactor(i, s.config.LoggerFactory)
		s.reactors[i] = r
		go r.Run()
	}
	s.started = true
	s.log.Debugf("started %d reactors", n)
	return nil
}

// Schedule registers the actor with the service, places it on the least
// loaded reactor and delivers ev as its first event.
func (s *Scheduler) Schedule(a Actor, svc *Service, ev Event) (ActorID, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return InvalidUniqueID(), ErrNotStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return InvalidUniqueID(), ErrStopping
	}
	r := s.leastLoaded()
	s.mu.Unlock()

	id, err := svc.Register(a)
	if err != nil {
		return InvalidUniqueID(), err
	}
	runID, err := r.Push(a, svc, ev)
	if err != nil {
		svc.unregisterActor(a)
		return InvalidUniqueID(), err
	}
	svc.setRunning(id, r, runID)
	return id, nil
}

func (s *Scheduler) leastLoaded() *Reactor {
	best := s.reactors[0]
	bestLoad := best.Load()
	for _, r := range s.reactors[1:] {
		if l := r.Load(); l < bestLoad {
			best = r
			bestLoad = l
		}
	}
	return best
}

// Stop asks every reactor to wind down and waits for them to exit. Actors
// still running receive Clear through the normal two-phase stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	reactors := s.reactors
	s.mu.Unlock()

	for _, r := range reactors {
		r.Stop()
	}
	for _, r := range reactors {
		<-r.Done()
	}
	s.log.Debugf("stopped")
}
