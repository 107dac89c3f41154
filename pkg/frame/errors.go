package frame

import "errors"

// Frame runtime errors.
var (
	// ErrStopping is returned when scheduling is attempted on a stopping
	// scheduler or reactor.
	ErrStopping = errors.New("frame: stopping")

	// ErrNotRunning is returned when an actor targeted by a raise or post is
	// not installed on a reactor.
	ErrNotRunning = errors.New("frame: actor not running")

	// ErrNotStarted is returned when Schedule is called before Start.
	ErrNotStarted = errors.New("frame: scheduler not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("frame: scheduler already started")

	// ErrServiceFull is returned when a service registry cannot grow.
	ErrServiceFull = errors.New("frame: service full")

	// ErrPending is returned when a stream operation is posted while a
	// previous one of the same kind is still in flight.
	ErrPending = errors.New("frame: operation already pending")

	// ErrHandlerClosed is returned for operations on a cleared handler.
	ErrHandlerClosed = errors.New("frame: completion handler closed")
)
