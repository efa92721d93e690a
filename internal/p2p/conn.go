package p2p

import (
	"net"
	"sync"

	"chatchain/internal/codec"
	"chatchain/internal/message"
)

// peerConn is everything the node keeps about one live connection: the
// raw socket plus a write mutex so a broadcast and a handler reply can
// never interleave frames on the wire (SPEC_FULL.md §4.3, resolving the
// "concurrent writes to the same socket" open question).
type peerConn struct {
	conn net.Conn
	ip   string

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeerConn(conn net.Conn, ip string) *peerConn {
	return &peerConn{
		conn:   conn,
		ip:     ip,
		closed: make(chan struct{}),
	}
}

// send serializes and writes m atomically with respect to every other
// sender on this connection.
func (p *peerConn) send(m message.Message) error {
	encoded, err := codec.EncodeMessage(m)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.conn.Write(encoded)
	return err
}

// close is idempotent: multiple callers (the handler exiting, the node
// shutting down) can all call it safely.
func (p *peerConn) close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

func (p *peerConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
