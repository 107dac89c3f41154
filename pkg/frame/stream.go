package frame

import "net"

// Stream is a completion handler bridging a net.Conn into the reactor.
// Reads and writes run on pump goroutines; their completions are raised
// back to the reactor, so the callbacks always run on the reactor
// goroutine, after the handler and actor uniques were validated. At most
// one receive and one send may be in flight at a time.
type Stream struct {
	h           *CompletionHandler
	conn        net.Conn
	recvPending bool
	sendPending bool
	closed      bool
}

// NewStream creates a stream handler owned by actor, wrapping conn. The
// connection is closed when the handler receives Clear.
func NewStream(actor *ActorBase, conn net.Conn) *Stream {
	s := &Stream{conn: conn}
	s.h = NewCompletionHandler(actor, s.onCompletion)
	return s
}

// Handler exposes the underlying completion handler.
func (s *Stream) Handler() *CompletionHandler { return s.h }

// Conn returns the wrapped connection.
func (s *Stream) Conn() net.Conn { return s.conn }

// PostRecvSome starts one read into buf; fn runs on the reactor goroutine
// with the number of bytes read. Returns ErrPending while a previous read
// is in flight.
func (s *Stream) PostRecvSome(ctx *Context, buf []byte, fn func(ctx *Context, n int, err error)) error {
	if s.closed || !s.h.IsActive() {
		return ErrHandlerClosed
	}
	if s.recvPending {
		return ErrPending
	}
	s.recvPending = true

	r := ctx.reactor
	actorUID := ctx.RunID()
	handlerUID := s.h.HandlerID()
	go func() {
		n, err := s.conn.Read(buf)
		r.raiseClosure(actorUID, handlerUID, func(ctx *Context, _ Event) {
			s.recvPending = false
			fn(ctx, n, err)
		}, Event{Kind: EventIoReady, Mask: ReadyRead})
	}()
	return nil
}

// PostSendAll writes all of data; fn runs on the reactor goroutine once the
// write finished or failed. Returns ErrPending while a previous send is in
// flight.
func (s *Stream) PostSendAll(ctx *Context, data []byte, fn func(ctx *Context, err error)) error {
	if s.closed || !s.h.IsActive() {
		return ErrHandlerClosed
	}
	if s.sendPending {
		return ErrPending
	}
	s.sendPending = true

	r := ctx.reactor
	actorUID := ctx.RunID()
	handlerUID := s.h.HandlerID()
	go func() {
		var err error
		for off := 0; off < len(data) && err == nil; {
			var n int
			n, err = s.conn.Write(data[off:])
			off += n
		}
		r.raiseClosure(actorUID, handlerUID, func(ctx *Context, _ Event) {
			s.sendPending = false
			fn(ctx, err)
		}, Event{Kind: EventIoReady, Mask: ReadyWrite})
	}()
	return nil
}

// Close shuts the connection down; pending pump operations unblock with an
// error whose completions are then dropped by the unique checks if the
// handler is gone.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

func (s *Stream) onCompletion(_ *Context, ev Event) {
	switch ev.Kind {
	case EventInit:
	case EventClear:
		_ = s.Close()
	}
}
