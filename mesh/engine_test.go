package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/duskmesh/overlay/config"
	"github.com/duskmesh/overlay/crypto"
	"github.com/duskmesh/overlay/plumtree"
	"github.com/duskmesh/overlay/transport"
	"github.com/duskmesh/overlay/wire"
)

// testNode pairs an Engine with its in-memory transport address, mirroring
// the peers/keys tables babble/src/node/node_test.go builds before wiring
// nodes together.
type testNode struct {
	engine *Engine
	addr   string
	peer   wire.PeerID
}

func newTestNode(t *testing.T, net *transport.InMemoryNetwork, addr string) *testNode {
	t.Helper()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	oracle := crypto.NewOracle()
	self := wire.PeerID(oracle.PeerIDOf(&key.PublicKey))

	trans := net.NewInMemory(addr, self)

	cfg := config.NewTestConfig(t)
	cfg.AdvertiseAddr = addr
	cfg.Key = key
	// Shrink periods well below the test's wall-clock budget so background
	// schedules actually fire during the test.
	cfg.Membership.ShufflePeriod = 20 * time.Millisecond
	cfg.Swim.ProbePeriod = 20 * time.Millisecond
	cfg.Plumtree.IHaveFlush = 10 * time.Millisecond
	cfg.Plumtree.DegreeTick = 50 * time.Millisecond
	cfg.Plumtree.CacheSweep = 200 * time.Millisecond
	cfg.Plumtree.IWantTimeout = 50 * time.Millisecond
	cfg.AntiEntropy.Period = 50 * time.Millisecond

	e, err := New(cfg, trans)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if e.Self() != self {
		t.Fatalf("engine self mismatch: got %v want %v", e.Self(), self)
	}

	return &testNode{engine: e, addr: addr, peer: self}
}

// chainJoin joins each node in nodes to its predecessor, forming a line
// topology (spec.md §8's fresh-broadcast scenario runs on exactly this
// shape).
func chainJoin(t *testing.T, nodes []*testNode) {
	t.Helper()
	for i, n := range nodes {
		n.engine.Run()
		if i == 0 {
			continue
		}
		prev := nodes[i-1]
		if _, err := n.engine.Join([]wire.PeerHint{{ID: prev.peer, Addr: prev.addr}}); err != nil {
			t.Fatalf("node %d join: %v", i, err)
		}
	}
}

func shutdownAll(nodes []*testNode) {
	for _, n := range nodes {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		n.engine.Shutdown(ctx)
		cancel()
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestBroadcastReachesLineTopology covers spec.md §8's fresh broadcast over
// a 3-node line: a message published at one end reaches the other end via
// eager push, with no anti-entropy repair needed.
func TestBroadcastReachesLineTopology(t *testing.T) {
	net := transport.NewInMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")
	c := newTestNode(t, net, "node-c")
	nodes := []*testNode{a, b, c}
	chainJoin(t, nodes)
	defer shutdownAll(nodes)

	if !waitFor(t, time.Second, func() bool {
		return len(a.engine.ActivePeers()) >= 1 && len(c.engine.ActivePeers()) >= 1
	}) {
		t.Fatalf("active views never converged: a=%v b=%v c=%v",
			a.engine.ActivePeers(), b.engine.ActivePeers(), c.engine.ActivePeers())
	}

	var topic wire.TopicID
	topic[0] = 0x42

	subA, cancelA := a.engine.Subscribe(topic)
	defer cancelA()
	subB, cancelB := b.engine.Subscribe(topic)
	defer cancelB()
	subC, cancelC := c.engine.Subscribe(topic)
	defer cancelC()

	payload := []byte("hello mesh")
	if _, _, err := a.engine.Publish(topic, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	assertDelivered := func(ch <-chan plumtree.Delivery, who string) {
		select {
		case d := <-ch:
			if string(d.Payload) != string(payload) {
				t.Fatalf("%s: payload mismatch: got %q", who, d.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: never received broadcast", who)
		}
	}
	assertDelivered(subB, "node-b")
	assertDelivered(subC, "node-c")
	assertDelivered(subA, "node-a")

	select {
	case d := <-subA:
		t.Fatalf("publisher delivered its own message a second time: %q", d.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestPeerCacheRoundTrip covers spec.md §6.5: a snapshot built from one
// engine's views can seed another engine's passive view on restore.
func TestPeerCacheRoundTrip(t *testing.T) {
	net := transport.NewInMemoryNetwork()
	a := newTestNode(t, net, "node-a")
	b := newTestNode(t, net, "node-b")
	nodes := []*testNode{a, b}
	chainJoin(t, nodes)
	defer shutdownAll(nodes)

	if !waitFor(t, time.Second, func() bool { return len(a.engine.ActivePeers()) >= 1 }) {
		t.Fatalf("node-a never activated node-b")
	}

	snapshot := a.engine.SnapshotPeerCache(time.Now())
	encoded, err := wire.EncodePeerCache(snapshot)
	if err != nil {
		t.Fatalf("encode peer cache: %v", err)
	}
	decoded, err := wire.DecodePeerCache(encoded)
	if err != nil {
		t.Fatalf("decode peer cache: %v", err)
	}
	if len(decoded.Entries) != len(snapshot.Entries) {
		t.Fatalf("round trip entry count mismatch: got %d want %d", len(decoded.Entries), len(snapshot.Entries))
	}

	c := newTestNode(t, net, "node-c")
	c.engine.Run()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.engine.Shutdown(ctx)
	}()

	c.engine.RestorePeerCache(decoded, time.Now())
	found := false
	for _, p := range c.engine.PassivePeers() {
		if p == b.peer {
			found = true
		}
	}
	if !found {
		t.Fatalf("restored peer cache did not seed node-b into node-c's passive view: %v", c.engine.PassivePeers())
	}
}
