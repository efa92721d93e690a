package p2p

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"chatchain/internal/blockchain"
	"chatchain/internal/codec"
	"chatchain/internal/config"
	"chatchain/internal/message"
)

func dialWithRetry(ip string, port uint16, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return nil, lastErr
}

// fakeRand is a deterministic io.Reader, identical in spirit to the one
// in internal/blockchain's tests, so mining against the two-zero-byte
// target finishes quickly here too.
type fakeRand struct {
	counter uint64
}

func (f *fakeRand) Read(p []byte) (int, error) {
	f.counter++
	for i := range p {
		p[i] = byte(f.counter >> (8 * (i % 8)))
	}
	return len(p), nil
}

func startNode(t *testing.T, ctx context.Context, ip string, port uint16, chain *blockchain.Chain, peer *string, advertised *string) *Node {
	t.Helper()

	cfg := config.Config{HostIP: ip, Port: port, InitialPeerIP: peer, AdvertisedIP: advertised}
	n := New(cfg, chain, nil)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("starting node at %s:%d: %v", ip, port, err)
	}
	t.Cleanup(n.Stop)
	return n
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !check() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// S1 — Empty chain, single mine.
func TestScenarioSingleNodeMine(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chainA := blockchain.NewChain().WithRandSource(&fakeRand{})
	nodeA := startNode(t, ctx, "127.0.0.21", 19501, chainA, nil, nil)

	if err := nodeA.CreateAndBroadcastChat(ctx, "hello"); err != nil {
		t.Fatalf("CreateAndBroadcastChat: %v", err)
	}

	history := chainA.Chain()
	if len(history) != 1 {
		t.Fatalf("chain length = %d, want 1", len(history))
	}
	if !history[0].HasZeroPrefix() {
		t.Fatalf("mined chat hash %x does not start with two zero bytes", history[0].MD5Hash)
	}
	if !blockchain.VerifyHistory(history) {
		t.Fatal("mined history should verify")
	}
}

// S2 — Two-node sync: B seeds off A, A mines, B converges.
func TestScenarioTwoNodeSync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chainA := blockchain.NewChain().WithRandSource(&fakeRand{})
	chainB := blockchain.NewChain()

	ipA := "127.0.0.22"
	nodeA := startNode(t, ctx, ipA, 19502, chainA, nil, nil)
	_ = startNode(t, ctx, "127.0.0.23", 19502, chainB, &ipA, nil)

	waitFor(t, 5*time.Second, func() bool { return nodeA.PeerCount() > 0 })

	if err := nodeA.CreateAndBroadcastChat(ctx, "msg1"); err != nil {
		t.Fatalf("CreateAndBroadcastChat: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return len(chainB.Chain()) == 1 })

	a := chainA.Chain()
	b := chainB.Chain()
	if len(a) != 1 || len(b) != 1 || !a[0].Equal(b[0]) {
		t.Fatalf("chains diverged: A=%+v B=%+v", a, b)
	}
}

// S3 — Longest chain wins on connect.
func TestScenarioLongestChainWins(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	chainA := blockchain.NewChain().WithRandSource(&fakeRand{})
	for i := 0; i < 5; i++ {
		if _, err := chainA.MineChat(ctx, nil, "a-chat"); err != nil {
			t.Fatalf("pre-mining chain A: %v", err)
		}
	}

	chainB := blockchain.NewChain().WithRandSource(&fakeRand{counter: 1 << 16})
	for i := 0; i < 3; i++ {
		if _, err := chainB.MineChat(ctx, nil, "b-chat"); err != nil {
			t.Fatalf("pre-mining chain B: %v", err)
		}
	}

	ipA := "127.0.0.24"
	startNode(t, ctx, ipA, 19503, chainA, nil, nil)
	startNode(t, ctx, "127.0.0.25", 19503, chainB, &ipA, nil)

	waitFor(t, 10*time.Second, func() bool { return len(chainB.Chain()) == 5 })

	if !sameChatSlice(chainB.Chain(), chainA.Chain()) {
		t.Fatal("B should converge onto A's longer chain")
	}
	if len(chainA.Chain()) != 5 {
		t.Fatal("A's chain should be unaffected by B's shorter history")
	}
}

// S4 — Invalid history rejected.
func TestScenarioInvalidHistoryRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chainA := blockchain.NewChain()
	ip := "127.0.0.26"
	startNode(t, ctx, ip, 19504, chainA, nil, nil)

	bad := message.NewChat("poison", [16]byte{}, [16]byte{0x00, 0x01})
	conn, err := dialWithRetry(ip, 19504, 2*time.Second)
	if err != nil {
		t.Fatalf("dialing node: %v", err)
	}
	defer conn.Close()

	encoded, err := codec.EncodeMessage(message.NewArchiveResponse([]message.Chat{bad}))
	if err != nil {
		t.Fatalf("encoding archive response: %v", err)
	}
	if _, err := conn.Write(encoded); err != nil {
		t.Fatalf("writing archive response: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if len(chainA.Chain()) != 0 {
		t.Fatalf("chain should be unchanged after an invalid archive response, got %+v", chainA.Chain())
	}
}

// S5 — Self-connection avoided.
func TestScenarioSelfConnectionAvoided(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ip := "127.0.0.27"
	chainA := blockchain.NewChain()
	nodeA := startNode(t, ctx, ip, 19505, chainA, nil, &ip)

	if err := nodeA.connectToPeer(ctx, ip); err != nil {
		t.Fatalf("connectToPeer(self): %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if nodeA.PeerCount() != 0 {
		t.Fatalf("peer count = %d, want 0 after attempting self-connect", nodeA.PeerCount())
	}
}

// S6 — Peer discovery transitive: B and C both connect to A, then learn
// about each other via A's PeerList gossip.
func TestScenarioTransitivePeerDiscovery(t *testing.T) {
	original := discoveryInterval
	discoveryInterval = 200 * time.Millisecond
	defer func() { discoveryInterval = original }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ipA := "127.0.0.28"
	chainA := blockchain.NewChain()
	chainB := blockchain.NewChain()
	chainC := blockchain.NewChain()

	startNode(t, ctx, ipA, 19506, chainA, nil, nil)
	nodeB := startNode(t, ctx, "127.0.0.29", 19506, chainB, &ipA, nil)
	nodeC := startNode(t, ctx, "127.0.0.30", 19506, chainC, &ipA, nil)

	waitFor(t, 8*time.Second, func() bool {
		return nodeB.PeerCount() >= 2 && nodeC.PeerCount() >= 2
	})
}

func sameChatSlice(a, b []message.Chat) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
