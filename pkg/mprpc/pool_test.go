package mprpc

import (
	"testing"

	"github.com/solidframe/sframe/pkg/frame"
)

func newTestPool(t *testing.T, cfg Configuration) *connectionPool {
	t.Helper()
	cfg.applyDefaults()
	svc := &Service{cfg: cfg, proto: testProto(t), pools: map[string]*connectionPool{}}
	svc.log = cfg.LoggerFactory.NewLogger("mprpc")
	return newConnectionPool(svc, "peer")
}

func connID(n uint64) frame.ActorID {
	return frame.ActorID{Index: n, Unique: 1}
}

func TestPoolQueueLimit(t *testing.T) {
	pool := newTestPool(t, Configuration{PoolMaxMessageQueueSize: 2})
	proto := pool.svc.proto

	for i := 0; i < 2; i++ {
		if _, err := pool.pushMessage(bundleOf(t, proto, &pingMsg{Seq: uint64(i)}, 0)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if _, err := pool.pushMessage(bundleOf(t, proto, &pingMsg{Seq: 9}, 0)); err != ErrLimitReached {
		t.Fatalf("push above cap: %v, want ErrLimitReached", err)
	}
}

func TestPoolSynchronousPinning(t *testing.T) {
	pool := newTestPool(t, Configuration{})
	proto := pool.svc.proto

	syncID, err := pool.pushMessage(bundleOf(t, proto, &pingMsg{Seq: 1}, MessageFlagSynchronous))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.pushMessage(bundleOf(t, proto, &pingMsg{Seq: 2}, MessageFlagSynchronous)); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.pushMessage(bundleOf(t, proto, &pingMsg{Seq: 3}, 0)); err != nil {
		t.Fatal(err)
	}

	connA, connB := connID(1), connID(2)

	// The first synchronous message pins the lane to connA.
	bundle, poolID, ok := pool.popMessageFor(connA)
	if !ok || !bundle.Flags.IsSynchronous() || poolID != syncID {
		t.Fatalf("connA pop: ok=%v flags=%v", ok, bundle.Flags)
	}

	// connB must not receive the second synchronous message, only the
	// asynchronous one.
	bundle, _, ok = pool.popMessageFor(connB)
	if !ok || bundle.Flags.IsSynchronous() {
		t.Fatalf("connB pop: ok=%v flags=%v, want the async message", ok, bundle.Flags)
	}
	if _, _, ok = pool.popMessageFor(connB); ok {
		t.Fatal("connB received a pinned synchronous message")
	}

	// connA drains the remaining synchronous message.
	bundle, _, ok = pool.popMessageFor(connA)
	if !ok || !bundle.Flags.IsSynchronous() {
		t.Fatal("connA did not receive the pinned synchronous message")
	}

	// Completing the first synchronous message does not lift the pin while
	// the second one is still assigned.
	pool.completeMessage(syncID)
	if pool.syncConn.IsValid() {
		// The second sync message is still assigned.
		t.Log("pin still held by the in-flight sync message")
	}
}

func TestPoolCompleteFreesSlot(t *testing.T) {
	pool := newTestPool(t, Configuration{})
	proto := pool.svc.proto

	id, err := pool.pushMessage(bundleOf(t, proto, &pingMsg{Seq: 1}, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, ok := pool.popMessageFor(connID(1)); !ok {
		t.Fatal("pop failed")
	}
	pool.completeMessage(id)

	// The freed slot's unique was bumped: the stale id no longer resolves.
	if err := pool.cancelMessage(id); err != ErrNoSuchMessage {
		t.Fatalf("cancel on freed slot: %v, want ErrNoSuchMessage", err)
	}
}

func TestPoolRequeueRestoresOrder(t *testing.T) {
	pool := newTestPool(t, Configuration{})
	proto := pool.svc.proto

	var ids []MessageID
	for i := uint64(1); i <= 3; i++ {
		id, err := pool.pushMessage(bundleOf(t, proto, &pingMsg{Seq: i}, 0))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	conn := connID(1)
	items := make([]poolRequeueItem, 0, 3)
	// Take all three, then hand them back the way a dying connection does:
	// newest first.
	var taken []MessageBundle
	for i := 0; i < 3; i++ {
		bundle, poolID, ok := pool.popMessageFor(conn)
		if !ok {
			t.Fatal("pop failed")
		}
		taken = append(taken, bundle)
		_ = poolID
	}
	for i := 2; i >= 0; i-- {
		items = append(items, poolRequeueItem{bundle: taken[i], poolID: ids[i]})
	}
	pool.onConnFail(conn, ErrConnectionClosed, items)

	for want := uint64(1); want <= 3; want++ {
		bundle, _, ok := pool.popMessageFor(connID(2))
		if !ok {
			t.Fatalf("pop %d failed after requeue", want)
		}
		if got := bundle.Message.(*pingMsg).Seq; got != want {
			t.Fatalf("requeued order broken: got %d, want %d", got, want)
		}
	}
}
