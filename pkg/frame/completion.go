package frame

// CompletionCallback handles events delivered to a completion handler. It is
// invoked only from the owning reactor's goroutine, with one of Init, Clear,
// Timer or IoReady.
type CompletionCallback func(ctx *Context, ev Event)

// CompletionHandler is a reactive leaf capability (socket, timer) bound to
// exactly one actor and registered with that actor's reactor. Its whole life
// runs on one reactor: Init on the first tick after the actor is installed,
// then any number of completions, then Clear when the handler or its actor
// is torn down.
type CompletionHandler struct {
	actor    *ActorBase
	callback CompletionCallback

	// idx/unique identify the reactor-local handler slot; idx is
	// handlerInvalid while not installed.
	idx    int
	unique uint32
}

const handlerInvalid = -1

// NewCompletionHandler creates a handler owned by actor and records it for
// installation with the actor. The callback runs on the reactor goroutine.
func NewCompletionHandler(actor *ActorBase, cb CompletionCallback) *CompletionHandler {
	h := &CompletionHandler{
		actor:    actor,
		callback: cb,
		idx:      handlerInvalid,
	}
	actor.RegisterHandler(h)
	return h
}

// HandlerID returns the reactor-local handler slot id, or the invalid id
// while the handler is not installed.
func (h *CompletionHandler) HandlerID() UniqueID {
	if h.idx == handlerInvalid {
		return InvalidUniqueID()
	}
	return UniqueID{Index: uint64(h.idx), Unique: h.unique}
}

// IsActive reports whether the handler is installed on a reactor.
func (h *CompletionHandler) IsActive() bool { return h.idx != handlerInvalid }

// Actor returns the owning actor's base.
func (h *CompletionHandler) Actor() *ActorBase { return h.actor }
