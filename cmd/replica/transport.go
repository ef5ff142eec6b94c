package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/relab/hotstuff2"
	"github.com/relab/hotstuff2/internal/logging"
)

var logger = logging.GetLogger("cmd/replica")

// tcpTransport is a minimal length-prefixed TCP implementation of
// hotstuff2.Transport. The teacher used gorums/grpc for this; that stack
// depends on a generated service definition this module has no protoc
// pipeline for, so this example host uses net.Conn directly with the same
// "dial once, keep the connection" pattern the teacher's config.ReplicaInfo
// addressing implies, framed with a 4-byte big-endian length prefix.
type tcpTransport struct {
	mu    sync.Mutex
	peers map[hotstuff2.ID]string
	conns map[hotstuff2.ID]net.Conn
	self  hotstuff2.ID
	onMsg func([]byte) error
}

func newTCPTransport(self hotstuff2.ID, peers map[hotstuff2.ID]string, onMsg func([]byte) error) *tcpTransport {
	return &tcpTransport{
		peers: peers,
		conns: make(map[hotstuff2.ID]net.Conn),
		self:  self,
		onMsg: onMsg,
	}
}

// Listen accepts inbound connections on addr until the listener is closed.
func (t *tcpTransport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cmd/replica: listen %s: %w", addr, err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go t.serve(conn)
		}
	}()
	return nil
}

func (t *tcpTransport) serve(conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := readFramed(conn)
		if err != nil {
			return
		}
		if err := t.onMsg(msg); err != nil {
			logger.Warnf("inbound message handling failed: %v", err)
		}
	}
}

func (t *tcpTransport) dial(to hotstuff2.ID) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[to]; ok {
		return conn, nil
	}
	addr, ok := t.peers[to]
	if !ok {
		return nil, fmt.Errorf("cmd/replica: no address for peer %d", to)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.conns[to] = conn
	return conn, nil
}

// Send implements hotstuff2.Transport.
func (t *tcpTransport) Send(to hotstuff2.ID, messageBytes []byte) error {
	if to == t.self {
		return t.onMsg(messageBytes)
	}
	conn, err := t.dial(to)
	if err != nil {
		return err
	}
	return writeFramed(conn, messageBytes)
}

// Broadcast implements hotstuff2.Transport, excluding self.
func (t *tcpTransport) Broadcast(messageBytes []byte) error {
	t.mu.Lock()
	peers := make([]hotstuff2.ID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	t.mu.Unlock()
	for _, id := range peers {
		if id == t.self {
			continue
		}
		if err := t.Send(id, messageBytes); err != nil {
			logger.Warnf("send to %d failed: %v", id, err)
		}
	}
	return nil
}

func writeFramed(w io.Writer, msg []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
