package mprpc

import "testing"

func TestUpdateStateFlagsPingPong(t *testing.T) {
	// sender -> peer -> back on sender, with the request attributes intact.
	base := MessageFlagAwaitResponse | MessageFlagSynchronous

	onPeer := UpdateStateFlags(base)
	if !onPeer.IsOnPeer() {
		t.Fatalf("after first hop: %v, want OnPeer", onPeer)
	}
	if !onPeer.IsAwaitResponse() || !onPeer.IsSynchronous() {
		t.Fatal("request attributes lost in transition")
	}

	backOnSender := UpdateStateFlags(onPeer)
	if !backOnSender.IsBackOnSender() {
		t.Fatalf("after second hop: %v, want BackOnSender", backOnSender)
	}

	// The round-trip law: update(update(sender)) == back_on_sender.
	if UpdateStateFlags(UpdateStateFlags(base)) != backOnSender {
		t.Fatal("update(update(sender)) != back_on_sender")
	}

	// A further send flips back toward the peer.
	again := UpdateStateFlags(backOnSender)
	if !again.IsBackOnPeer() {
		t.Fatalf("after third hop: %v, want BackOnPeer", again)
	}
	if UpdateStateFlags(again) != backOnSender {
		t.Fatalf("back_on_peer must return to back_on_sender")
	}
}

func TestClearStateFlags(t *testing.T) {
	f := MessageFlagAwaitResponse | MessageFlagOnPeer | MessageFlagBackOnSender | MessageFlagRelayed
	cleared := ClearStateFlags(f)
	if cleared != MessageFlagAwaitResponse {
		t.Fatalf("ClearStateFlags = %v, want AwaitResponse only", cleared)
	}
	if StateFlags(f) != MessageFlagOnPeer|MessageFlagBackOnSender|MessageFlagRelayed {
		t.Fatalf("StateFlags = %v", StateFlags(f))
	}
}

func TestRelayedOrthogonal(t *testing.T) {
	f := MessageFlagRelayed
	for i := 0; i < 4; i++ {
		f = UpdateStateFlags(f)
		if !f.IsRelayed() {
			t.Fatalf("Relayed lost after %d transitions", i+1)
		}
	}
}
