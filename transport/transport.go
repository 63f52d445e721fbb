// Package transport owns the single UDP socket a session listens on,
// tuning its kernel buffers and handing each decoded packet, with its
// source address, to a caller-supplied dispatch function.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ggnet/rollback/internal/loglevel"
	"github.com/ggnet/rollback/metrics"
	"github.com/ggnet/rollback/protocol"
)

// recvBufferBytes and sendBufferBytes raise the kernel's default socket
// buffers; a default of ~212KB on Linux is easy to overrun once several
// peers burst input+sync traffic through one socket.
const (
	recvBufferBytes = 1 << 20
	sendBufferBytes = 1 << 20
	maxDatagramSize = 4096
)

// Transport owns one UDP socket shared by every peer in a session.
type Transport struct {
	conn *net.UDPConn

	mu    sync.RWMutex
	peers map[string]*net.UDPAddr
}

// Listen opens a UDP socket on addr (e.g. ":7000") and widens its kernel
// send/receive buffers via setsockopt before returning.
func Listen(addr string) (*Transport, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufferBytes); e != nil {
					sockErr = e
					return
				}
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, sendBufferBytes); e != nil {
					sockErr = e
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("transport: unexpected packet conn type %T", pc)
	}

	return &Transport{conn: conn, peers: make(map[string]*net.UDPAddr)}, nil
}

// LocalAddr reports the address the socket is bound to.
func (t *Transport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// Close releases the underlying socket.
func (t *Transport) Close() error { return t.conn.Close() }

// Bind records addr as a known remote endpoint and returns a
// protocol.Sender that encodes and writes messages to it.
func (t *Transport) Bind(addr *net.UDPAddr) protocol.Sender {
	t.mu.Lock()
	t.peers[addr.String()] = addr
	t.mu.Unlock()
	return &peerSender{transport: t, addr: addr}
}

type peerSender struct {
	transport *Transport
	addr      *net.UDPAddr
}

func (s *peerSender) Send(msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	n, err := s.transport.conn.WriteToUDP(data, s.addr)
	if err != nil {
		return fmt.Errorf("transport: write to %s: %w", s.addr, err)
	}
	metrics.IncPacketsSent(n)
	return nil
}

// Dispatch is called once per inbound packet with the source address, the
// decoded message, and a wall-clock timestamp in milliseconds.
type Dispatch func(addr *net.UDPAddr, msg *protocol.Message, nowMS int64)

// ReadLoop blocks reading datagrams until ctx is cancelled or the socket
// errors. nowMS is called once per packet instead of using time.Now()
// directly, so the read loop stays swappable in tests.
func (t *Transport) ReadLoop(ctx context.Context, nowMS func() int64, dispatch Dispatch) error {
	buf := make([]byte, maxDatagramSize)

	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	for {
		n, src, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("transport: read: %w", err)
		}

		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			loglevel.Debugf("transport: dropping undecodable packet from %s: %v", src, err)
			continue
		}

		metrics.IncPacketsReceived()
		dispatch(src, msg, nowMS())
	}
}
