package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tunelapp/tunrelay/packet"
	"github.com/tunelapp/tunrelay/socks5"
)

type readResult struct {
	pkt []byte
	err error
}

// fakeDevice feeds scripted reads and collects writes.
type fakeDevice struct {
	reads     chan readResult
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	// failWrites is the number of upcoming writes that fail.
	failWrites atomic.Int32
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		reads:  make(chan readResult, 64),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) inject(pkt []byte) { d.reads <- readResult{pkt: pkt} }

func (d *fakeDevice) fail(err error) { d.reads <- readResult{err: err} }

func (d *fakeDevice) Read(b []byte) (int, error) {
	select {
	case r := <-d.reads:
		if r.err != nil {
			return 0, r.err
		}
		return copy(b, r.pkt), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

func (d *fakeDevice) Write(b []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, os.ErrClosed
	default:
	}
	if d.failWrites.Load() > 0 {
		d.failWrites.Add(-1)
		return 0, errors.New("tun write failed")
	}
	d.writes <- append([]byte(nil), b...)
	return len(b), nil
}

func (d *fakeDevice) Close() error {
	d.closes.Add(1)
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) nextWrite(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-d.writes:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a device write")
		return nil
	}
}

// proxyConn is one connection accepted by the test SOCKS5 server, positioned
// after the handshake.
type proxyConn struct {
	net.Conn
	target string
}

// socksServer is a minimal SOCKS5 server for CONNECT requests.
type socksServer struct {
	ln       net.Listener
	conns    chan *proxyConn
	accepted atomic.Int32
	// refuse, when non-zero, is sent as the CONNECT reply status.
	refuse atomic.Uint32
	// While held, CONNECT replies wait for release to be closed.
	held    atomic.Bool
	release chan struct{}
}

func startSOCKS(t *testing.T) *socksServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &socksServer{ln: ln, conns: make(chan *proxyConn, 16), release: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			go s.serve(c)
		}
	}()
	return s
}

func (s *socksServer) endpoint() socks5.Endpoint {
	return socks5.Endpoint{Address: "127.0.0.1", Port: uint16(s.ln.Addr().(*net.TCPAddr).Port)}
}

func (s *socksServer) serve(c net.Conn) {
	target, err := s.handshake(c)
	if err != nil {
		c.Close()
		return
	}
	s.conns <- &proxyConn{Conn: c, target: target}
}

func (s *socksServer) handshake(c net.Conn) (string, error) {
	greeting := make([]byte, 3)
	if _, err := io.ReadFull(c, greeting); err != nil {
		return "", err
	}
	c.Write([]byte{0x05, 0x00})

	head := make([]byte, 5)
	if _, err := io.ReadFull(c, head); err != nil {
		return "", err
	}
	if head[3] != 0x03 {
		return "", fmt.Errorf("unexpected address type %#x", head[3])
	}
	rest := make([]byte, int(head[4])+2)
	if _, err := io.ReadFull(c, rest); err != nil {
		return "", err
	}
	host := string(rest[:head[4]])
	port := binary.BigEndian.Uint16(rest[head[4]:])

	if s.held.Load() {
		<-s.release
	}
	status := byte(s.refuse.Load())
	c.Write([]byte{0x05, status, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	if status != 0 {
		return "", fmt.Errorf("refused")
	}
	return net.JoinHostPort(host, fmt.Sprint(port)), nil
}

func (s *socksServer) accept(t *testing.T) *proxyConn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a proxied connection")
		return nil
	}
}

func readN(t *testing.T, c net.Conn, n int) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	b := make([]byte, n)
	if _, err := io.ReadFull(c, b); err != nil {
		t.Fatalf("read from proxied connection: %v", err)
	}
	return string(b)
}

type countingSink struct {
	up, down atomic.Uint64
}

func (s *countingSink) RecordUpload(n uint64)   { s.up.Add(n) }
func (s *countingSink) RecordDownload(n uint64) { s.down.Add(n) }

type recordingObserver struct {
	mu       sync.Mutex
	drops    []string
	closes   []string
	connects int
	failures int
	devErrs  []string
}

func (o *recordingObserver) PacketDropped(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops = append(o.drops, reason)
}

func (o *recordingObserver) ConnectFinished(_ packet.FlowKey, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connects++
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) FlowClosed(_ packet.FlowKey, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes = append(o.closes, reason)
}

func (o *recordingObserver) DeviceError(op string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.devErrs = append(o.devErrs, op)
}

func (o *recordingObserver) deviceErrors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.devErrs...)
}

func (o *recordingObserver) snapshot() (drops, closes []string, connects, failures int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.drops...), append([]string(nil), o.closes...), o.connects, o.failures
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
