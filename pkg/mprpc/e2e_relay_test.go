package mprpc

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"

	"github.com/solidframe/sframe/pkg/frame"
)

type relayRegister struct {
	Group uint32
}

type relayRegAck struct {
	Group uint32
}

// TestE2ERelayPassthrough drives the full A -> R -> B path: B registers a
// relay group on R, A sends a request routed through the group, B answers,
// and the response travels back to A with the relay marks intact.
func TestE2ERelayPassthrough(t *testing.T) {
	lim := test.TimeOut(60 * time.Second)
	defer lim.Stop()

	const groupID = 4

	proto := NewProtocol(nil)
	if err := RegisterMessage[relayRegister](proto, TypeID{Protocol: 9, Message: 1},
		func(ctx *ConnectionContext, sent, recv *relayRegister, err error) {
			if recv == nil {
				return
			}
			// Runs on the relay node: bind this connection to the group.
			if rerr := ctx.RegisterRelayGroup(recv.Group); rerr != nil {
				t.Errorf("RegisterRelayGroup: %v", rerr)
			}
			_ = ctx.SendResponse(&relayRegAck{Group: recv.Group})
		}); err != nil {
		t.Fatal(err)
	}
	if err := RegisterMessage[relayRegAck](proto, TypeID{Protocol: 9, Message: 2}, nil); err != nil {
		t.Fatal(err)
	}
	bEcho := make(chan MessageFlags, 1)
	if err := RegisterMessage[echoRequest](proto, TypeID{Protocol: 9, Message: 3},
		func(ctx *ConnectionContext, sent, recv *echoRequest, err error) {
			if recv == nil {
				return
			}
			// Runs on B, the far endpoint of the relay.
			bEcho <- ctx.RecvHeader().Flags
			_ = ctx.SendResponse(&echoResponse{V: recv.V, Str: recv.Str})
		}); err != nil {
		t.Fatal(err)
	}
	if err := RegisterMessage[echoResponse](proto, TypeID{Protocol: 9, Message: 4}, nil); err != nil {
		t.Fatal(err)
	}

	sched := frame.NewScheduler(frame.SchedulerConfig{})
	if err := sched.Start(3); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sched.Stop)
	fsvc := frame.NewService(frame.ServiceConfig{Name: "relay-rig"})

	// R: the relay node. A single relay buffer permit forces the permit
	// accounting to cycle.
	relaySvc := NewService(Configuration{RelayFreeCountInitial: 1}, proto, sched, fsvc)
	relaySvc.EnableRelay()
	t.Cleanup(relaySvc.Stop)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := relaySvc.Listen(l); err != nil {
		t.Fatal(err)
	}
	relayAddr := l.Addr().String()

	// B: connects to R and registers the group, waiting for the ack so the
	// registration is in place before A sends.
	bSvc := NewService(Configuration{}, proto, sched, fsvc)
	t.Cleanup(bSvc.Stop)
	registered := make(chan error, 1)
	_, err = SendRequest(bSvc, relayAddr, &relayRegister{Group: groupID},
		func(ctx *ConnectionContext, req *relayRegister, res *relayRegAck, err error) {
			registered <- err
		})
	if err != nil {
		t.Fatal(err)
	}
	if err := <-registered; err != nil {
		t.Fatalf("group registration: %v", err)
	}

	// A: sends the relayed request through R.
	aSvc := NewService(Configuration{}, proto, sched, fsvc)
	t.Cleanup(aSvc.Stop)
	done := make(chan error, 1)
	var gotHeader MessageHeader
	_, err = aSvc.SendMessageExt(relayAddr, &echoRequest{V: 42, Str: "hi"}, SendOptions{
		Flags:        MessageFlagAwaitResponse,
		URL:          "b",
		RelayGroupID: groupID,
		Complete: func(ctx *ConnectionContext, sent, recv any, err error) {
			if err != nil {
				done <- err
				return
			}
			res, ok := recv.(*echoResponse)
			if !ok || res.V != 42 || res.Str != "hi" {
				done <- errors.New("relayed response corrupted")
				return
			}
			if ctx.RecvHeader() != nil {
				gotHeader = *ctx.RecvHeader()
			}
			done <- nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("relayed request: %v", err)
	}

	// B observed the relay marks on the request.
	bFlags := <-bEcho
	if !bFlags.IsRelayed() {
		t.Fatalf("B saw flags %v, want Relayed", bFlags)
	}

	// A observed the relay marks on the response.
	if !gotHeader.Flags.IsRelayed() {
		t.Fatalf("A saw response flags %v, want Relayed", gotHeader.Flags)
	}
	if gotHeader.Relay.GroupID != groupID {
		t.Fatalf("A saw relay group %d, want %d", gotHeader.Relay.GroupID, groupID)
	}
}
