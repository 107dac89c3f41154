package frame

// Actor is the cooperative unit of execution. An actor runs on exactly one
// reactor at a time; every OnEvent call happens on that reactor's goroutine.
// Implementations embed ActorBase.
type Actor interface {
	// OnEvent is the dispatch entry for events addressed to the actor.
	OnEvent(ctx *Context, ev Event)

	// Base exposes the embedded ActorBase.
	Base() *ActorBase
}

// ActorBase carries the runtime identity of an actor: its Service slot, its
// Reactor slot while running, and the completion handlers it owns.
type ActorBase struct {
	actorID ActorID
	runID   RunID
	reactor *Reactor
	service *Service

	// pending holds handlers registered before the actor was installed;
	// they are installed and initialized on the actor's first reactor tick.
	pending []*CompletionHandler

	// installed holds handlers currently registered with the reactor, in
	// registration order; they receive Clear on actor teardown.
	installed []*CompletionHandler
}

// Base returns the ActorBase itself, satisfying Actor.
func (b *ActorBase) Base() *ActorBase { return b }

// ActorID returns the actor's Service slot id, or the invalid id before
// registration.
func (b *ActorBase) ActorID() ActorID {
	if b.service == nil {
		return InvalidUniqueID()
	}
	return b.actorID
}

// RunID returns the actor's Reactor slot id, or the invalid id while the
// actor is not scheduled.
func (b *ActorBase) RunID() RunID {
	if b.reactor == nil {
		return InvalidUniqueID()
	}
	return b.runID
}

// Service returns the Service the actor is registered with, or nil.
func (b *ActorBase) Service() *Service { return b.service }

// RegisterHandler records a handler for installation on the actor's first
// reactor tick. It must be called before the actor is scheduled; handlers
// created from a reactor callback register through Context.RegisterHandler.
func (b *ActorBase) RegisterHandler(h *CompletionHandler) {
	b.pending = append(b.pending, h)
}

func (b *ActorBase) dropInstalled(h *CompletionHandler) {
	for i, cur := range b.installed {
		if cur == h {
			b.installed = append(b.installed[:i], b.installed[i+1:]...)
			return
		}
	}
}
