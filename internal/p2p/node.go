// Package p2p is the node orchestration layer: listener, outbound
// dials, the per-connection read loop, the peer table, periodic
// discovery, and the best-effort majority-confirmation broadcast after
// mining a chat.
//
// Grounded on the teacher's p2p.Server (peersMu-guarded map, wg-tracked
// goroutines, quit-channel shutdown) reworked around this system's
// five-variant chat protocol instead of block/transaction gossip, and
// tightened with a per-connection write mutex the teacher's Server
// lacks (see SPEC_FULL.md §9).
package p2p

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"chatchain/internal/blockchain"
	"chatchain/internal/codec"
	"chatchain/internal/config"
	"chatchain/internal/logging"
	"chatchain/internal/message"
)

const (
	dialTimeout          = 10 * time.Second
	confirmRounds        = 10
	confirmBroadcastWait = 1 * time.Second
	confirmRequestWait   = 2 * time.Second
	confirmRetryWait     = 1 * time.Second
)

// discoveryInterval is a var, not a const, so tests can shrink the
// peer-discovery cadence instead of waiting out the real 5 seconds.
var discoveryInterval = 5 * time.Second

// Node is the P2P orchestration layer for one chat node.
type Node struct {
	hostIP       string
	port         uint16
	advertisedIP string // "" means unset
	initialPeer  string // "" means unset

	chain *blockchain.Chain
	sink  logging.Sink

	listener net.Listener

	peersMu sync.Mutex
	peers   map[string]*peerConn

	archiveMu        sync.Mutex
	archiveResponses map[string][]message.Chat

	wg sync.WaitGroup
}

// New builds a Node from its config, the shared chain, and the log
// sink. It does not bind the listener; call Start for that.
func New(cfg config.Config, chain *blockchain.Chain, sink logging.Sink) *Node {
	n := &Node{
		hostIP:           cfg.HostIP,
		port:             cfg.Port,
		chain:            chain,
		sink:             sink,
		peers:            make(map[string]*peerConn),
		archiveResponses: make(map[string][]message.Chat),
	}
	if cfg.AdvertisedIP != nil {
		n.advertisedIP = *cfg.AdvertisedIP
	}
	if cfg.InitialPeerIP != nil {
		n.initialPeer = *cfg.InitialPeerIP
	}
	return n
}

func (n *Node) logf(level logging.Level, tag, format string, args ...interface{}) {
	if n.sink == nil {
		return
	}
	n.sink.Write(level, tag, fmt.Sprintf(format, args...))
}

// Start binds the listener and spawns the accept loop, the periodic
// discovery loop, and (if configured) the initial-peer dial. It returns
// once the listener is bound; the background loops keep running until
// ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	addr := net.JoinHostPort(n.hostIP, strconv.Itoa(int(n.port)))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("p2p: binding listener on %s: %w", addr, err)
	}
	n.listener = listener
	n.logf(logging.LevelInfo, "node", "listening on %s", addr)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-ctx.Done()
		n.listener.Close()
		for _, pc := range n.peerSnapshot() {
			pc.close()
		}
	}()

	n.wg.Add(1)
	go n.acceptLoop(ctx)

	n.wg.Add(1)
	go n.discoveryLoop(ctx)

	if n.initialPeer != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.connectToPeer(ctx, n.initialPeer); err != nil {
				n.logf(logging.LevelError, "node", "dialing initial peer %s: %v", n.initialPeer, err)
			}
		}()
	}

	return nil
}

// Wait blocks until every goroutine spawned by Start has exited, i.e.
// until the listener and all peer connections have unwound after ctx
// cancellation.
func (n *Node) Wait() {
	n.wg.Wait()
}

func (n *Node) acceptLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				n.logf(logging.LevelError, "node", "accept: %v", err)
				continue
			}
		}

		ip, err := remoteIP(conn)
		if err != nil {
			n.logf(logging.LevelError, "node", "resolving remote IP: %v", err)
			conn.Close()
			continue
		}

		n.wg.Add(1)
		go n.handleConn(ctx, conn, ip)
	}
}

// connectToPeer dials ip if it is not hostIP, advertisedIP, or already
// connected, dials out from hostIP as the local address, sends an
// ArchiveRequest, and hands the new socket to the same per-connection
// handler used for inbound connections.
func (n *Node) connectToPeer(ctx context.Context, ip string) error {
	n.peersMu.Lock()
	if ip == n.hostIP || (n.advertisedIP != "" && ip == n.advertisedIP) {
		n.peersMu.Unlock()
		return nil
	}
	if _, exists := n.peers[ip]; exists {
		n.peersMu.Unlock()
		return nil
	}
	n.peersMu.Unlock()

	addr := net.JoinHostPort(ip, strconv.Itoa(int(n.port)))
	dialer := net.Dialer{Timeout: dialTimeout, LocalAddr: &net.TCPAddr{IP: net.ParseIP(n.hostIP)}}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}

	pc := newPeerConn(conn, ip)
	if err := pc.send(message.NewArchiveRequest()); err != nil {
		conn.Close()
		return fmt.Errorf("sending archive request to %s: %w", addr, err)
	}

	n.wg.Add(1)
	go n.runConn(ctx, pc)
	return nil
}

// handleConn wraps an inbound net.Conn in a peerConn and runs it.
func (n *Node) handleConn(ctx context.Context, conn net.Conn, ip string) {
	n.runConn(ctx, newPeerConn(conn, ip))
}

// runConn closes pc without inserting it if its IP is not a dotted-quad
// IPv4 address. Otherwise it inserts pc into the peer table (closing any
// stale entry for the same IP first), then loops reading and dispatching
// messages until an error or ctx cancellation ends the connection.
func (n *Node) runConn(ctx context.Context, pc *peerConn) {
	defer n.wg.Done()
	defer pc.close()

	if parsed := net.ParseIP(pc.ip); parsed == nil || parsed.To4() == nil || parsed.String() != pc.ip {
		n.logf(logging.LevelError, "node", "rejecting peer %q: not a dotted-quad IPv4 address", pc.ip)
		return
	}

	n.addPeer(pc)
	defer n.removePeer(pc)

	n.logf(logging.LevelInfo, "node", "peer connected: %s", pc.ip)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := codec.DecodeMessage(pc.conn)
		if err != nil {
			if !pc.isClosed() {
				n.logf(logging.LevelError, "node", "reading from %s: %v", pc.ip, err)
			}
			return
		}

		if err := n.handleMessage(ctx, pc, msg); err != nil {
			n.logf(logging.LevelError, "node", "handling message from %s: %v", pc.ip, err)
		}
	}
}

func (n *Node) handleMessage(ctx context.Context, pc *peerConn, msg message.Message) error {
	switch msg.Kind {
	case message.KindPeerRequest:
		return pc.send(message.NewPeerList(n.peerIPs()))

	case message.KindPeerList:
		for _, ip := range msg.PeerIPs {
			ip := ip
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				if err := n.connectToPeer(ctx, ip); err != nil {
					n.logf(logging.LevelError, "node", "connecting to gossiped peer %s: %v", ip, err)
				}
			}()
		}
		return nil

	case message.KindArchiveRequest:
		return pc.send(message.NewArchiveResponse(n.chain.Chain()))

	case message.KindArchiveResponse:
		n.chain.ReplaceChain(msg.History)
		n.recordArchiveResponse(pc.ip, msg.History)
		return nil

	case message.KindNotificationMessage:
		n.logf(logging.LevelDebug, "node", "notification from %s: %s", pc.ip, msg.Text)
		return nil

	default:
		return fmt.Errorf("unhandled message kind %v", msg.Kind)
	}
}

func (n *Node) discoveryLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.broadcast(message.NewPeerRequest())
		}
	}
}

// broadcast sends m to every currently-connected peer, logging and
// continuing past individual send failures.
func (n *Node) broadcast(m message.Message) {
	for _, pc := range n.peerSnapshot() {
		if err := pc.send(m); err != nil {
			n.logf(logging.LevelError, "node", "broadcast to %s: %v", pc.ip, err)
		}
	}
}

// CreateAndBroadcastChat mines text onto the chain, then best-effort
// broadcasts the updated history and polls for majority confirmation
// (SPEC_FULL.md §4.3).
func (n *Node) CreateAndBroadcastChat(ctx context.Context, text string) error {
	chat, err := n.chain.MineChat(ctx, n.sink, text)
	if err != nil {
		return fmt.Errorf("mining chat: %w", err)
	}

	history := n.chain.Chain()
	n.logf(logging.LevelInfo, "node", "mined chat %q, broadcasting for confirmation", text)

	for attempt := 1; attempt <= confirmRounds; attempt++ {
		n.broadcast(message.NewArchiveResponse(history))
		sleepOrDone(ctx, confirmBroadcastWait)

		n.broadcast(message.NewArchiveRequest())
		sleepOrDone(ctx, confirmRequestWait)

		confirmations := n.countConfirmations(chat)
		total := n.peerCount()
		threshold := total/2 + 1

		if confirmations >= threshold {
			n.logf(logging.LevelInfo, "node", "chat confirmed by %d/%d peers (round %d)", confirmations, total, attempt)
			return nil
		}

		if attempt < confirmRounds {
			sleepOrDone(ctx, confirmRetryWait)
		}
	}

	n.logf(logging.LevelWarn, "node", "failed to reach majority confirmation for chat %q after %d rounds", text, confirmRounds)
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (n *Node) countConfirmations(chat message.Chat) int {
	n.archiveMu.Lock()
	defer n.archiveMu.Unlock()

	count := 0
	for _, history := range n.archiveResponses {
		for _, c := range history {
			if c.Equal(chat) {
				count++
				break
			}
		}
	}
	return count
}

func (n *Node) recordArchiveResponse(ip string, history []message.Chat) {
	n.archiveMu.Lock()
	defer n.archiveMu.Unlock()
	n.archiveResponses[ip] = history
}

func (n *Node) addPeer(pc *peerConn) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if stale, exists := n.peers[pc.ip]; exists {
		stale.close()
	}
	n.peers[pc.ip] = pc
}

func (n *Node) removePeer(pc *peerConn) {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if current, exists := n.peers[pc.ip]; exists && current == pc {
		delete(n.peers, pc.ip)
		n.logf(logging.LevelInfo, "node", "peer disconnected: %s", pc.ip)
	}
}

func (n *Node) peerIPs() []string {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	ips := make([]string, 0, len(n.peers))
	for ip := range n.peers {
		ips = append(ips, ip)
	}
	return ips
}

func (n *Node) peerSnapshot() []*peerConn {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	peers := make([]*peerConn, 0, len(n.peers))
	for _, pc := range n.peers {
		peers = append(peers, pc)
	}
	return peers
}

// PeerCount returns the number of currently-connected peers.
func (n *Node) PeerCount() int {
	return n.peerCount()
}

func (n *Node) peerCount() int {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	return len(n.peers)
}

// Stop closes the listener and every peer connection, then waits for
// all goroutines to exit. Idempotent with ctx-driven shutdown: callers
// typically cancel ctx and then call Stop to block for cleanup.
func (n *Node) Stop() {
	if n.listener != nil {
		n.listener.Close()
	}
	for _, pc := range n.peerSnapshot() {
		pc.close()
	}
	n.wg.Wait()
}

func remoteIP(conn net.Conn) (string, error) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return "", err
	}
	return host, nil
}
