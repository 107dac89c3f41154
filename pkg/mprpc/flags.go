package mprpc

import "strings"

// MessageFlags is the bit set carried in a message header. The low bits are
// request attributes chosen by the sender; StartedSend/DoneSend/Canceled are
// transport-local progress bits; OnPeer/BackOnSender/Relayed are the wire
// state bits forming the ping-pong direction machine.
type MessageFlags uint32

const (
	// MessageFlagSynchronous keeps the message in the per-connection
	// synchronous lane: at most one synchronous message serializes at a time
	// and, within a pool, synchronous sends pin to one connection.
	MessageFlagSynchronous MessageFlags = 1 << iota
	// MessageFlagAwaitResponse keeps the sent message around until the peer
	// responds; the response is correlated back to its complete function.
	MessageFlagAwaitResponse
	// MessageFlagIdempotent allows the message to be resent on another
	// connection after a failure.
	MessageFlagIdempotent
	// MessageFlagStartedSend marks that serialization began.
	MessageFlagStartedSend
	// MessageFlagDoneSend marks that serialization finished.
	MessageFlagDoneSend
	// MessageFlagCanceled marks a canceled message.
	MessageFlagCanceled
	// MessageFlagOneShotSend forbids rescheduling: the message is tried on
	// exactly one connection.
	MessageFlagOneShotSend
	// MessageFlagResponse marks a response message.
	MessageFlagResponse
	// MessageFlagResponsePart marks a non-final part of a streamed response.
	MessageFlagResponsePart
	// MessageFlagResponseLast marks the final part of a streamed response.
	MessageFlagResponseLast
	// MessageFlagOnPeer: the message travels sender -> peer.
	MessageFlagOnPeer
	// MessageFlagBackOnSender: the message traveled back to its sender.
	MessageFlagBackOnSender
	// MessageFlagRelayed: the message traversed at least one relay node.
	MessageFlagRelayed
)

const messageStateFlags = MessageFlagOnPeer | MessageFlagBackOnSender | MessageFlagRelayed

// Has reports whether every bit of q is set.
func (f MessageFlags) Has(q MessageFlags) bool { return f&q == q }

// IsSynchronous reports the Synchronous bit.
func (f MessageFlags) IsSynchronous() bool { return f.Has(MessageFlagSynchronous) }

// IsAwaitResponse reports the AwaitResponse bit.
func (f MessageFlags) IsAwaitResponse() bool { return f.Has(MessageFlagAwaitResponse) }

// IsIdempotent reports the Idempotent bit.
func (f MessageFlags) IsIdempotent() bool { return f.Has(MessageFlagIdempotent) }

// IsCanceled reports the Canceled bit.
func (f MessageFlags) IsCanceled() bool { return f.Has(MessageFlagCanceled) }

// IsOneShot reports the OneShotSend bit.
func (f MessageFlags) IsOneShot() bool { return f.Has(MessageFlagOneShotSend) }

// IsResponse reports the Response bit.
func (f MessageFlags) IsResponse() bool { return f.Has(MessageFlagResponse) }

// IsRelayed reports the Relayed bit.
func (f MessageFlags) IsRelayed() bool { return f.Has(MessageFlagRelayed) }

// IsOnSender: not yet sent, sitting on the sender.
func (f MessageFlags) IsOnSender() bool {
	return !f.Has(MessageFlagOnPeer) && !f.Has(MessageFlagBackOnSender)
}

// IsOnPeer: delivered to the peer.
func (f MessageFlags) IsOnPeer() bool {
	return f.Has(MessageFlagOnPeer) && !f.Has(MessageFlagBackOnSender)
}

// IsBackOnPeer: a response prepared on the peer, not yet sent back.
func (f MessageFlags) IsBackOnPeer() bool {
	return f.Has(MessageFlagOnPeer) && f.Has(MessageFlagBackOnSender)
}

// IsBackOnSender: the response arrived back at the original sender.
func (f MessageFlags) IsBackOnSender() bool {
	return !f.Has(MessageFlagOnPeer) && f.Has(MessageFlagBackOnSender)
}

// ClearStateFlags strips the wire state bits.
func ClearStateFlags(f MessageFlags) MessageFlags { return f &^ messageStateFlags }

// StateFlags keeps only the wire state bits.
func StateFlags(f MessageFlags) MessageFlags { return f & messageStateFlags }

// UpdateStateFlags advances the direction state machine one hop. It is the
// single source of truth for protocol direction:
//
//	on sender          -> on peer
//	on peer            -> back on sender
//	back on peer       -> back on sender
//	back on sender     -> back on peer (the message is being sent out again)
func UpdateStateFlags(f MessageFlags) MessageFlags {
	switch {
	case f.IsOnSender():
		return f | MessageFlagOnPeer
	case f.IsBackOnPeer():
		return (f | MessageFlagBackOnSender) &^ MessageFlagOnPeer
	case f.IsOnPeer():
		return (f | MessageFlagBackOnSender) &^ MessageFlagOnPeer
	default: // back on sender
		return f | MessageFlagOnPeer
	}
}

// String lists the set flags, for logging.
func (f MessageFlags) String() string {
	names := []struct {
		bit  MessageFlags
		name string
	}{
		{MessageFlagSynchronous, "Synchronous"},
		{MessageFlagAwaitResponse, "AwaitResponse"},
		{MessageFlagIdempotent, "Idempotent"},
		{MessageFlagStartedSend, "StartedSend"},
		{MessageFlagDoneSend, "DoneSend"},
		{MessageFlagCanceled, "Canceled"},
		{MessageFlagOneShotSend, "OneShotSend"},
		{MessageFlagResponse, "Response"},
		{MessageFlagResponsePart, "ResponsePart"},
		{MessageFlagResponseLast, "ResponseLast"},
		{MessageFlagOnPeer, "OnPeer"},
		{MessageFlagBackOnSender, "BackOnSender"},
		{MessageFlagRelayed, "Relayed"},
	}
	var set []string
	for _, n := range names {
		if f.Has(n.bit) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return "None"
	}
	return strings.Join(set, "|")
}
