package device

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"

	"golang.zx2c4.com/wireguard/tun"
)

// fakeTUN hands out scripted batches and records written packets.
type fakeTUN struct {
	mu      sync.Mutex
	batches [][][]byte
	written [][]byte
	closes  int
	batch   int
}

func (f *fakeTUN) File() *os.File { return nil }

func (f *fakeTUN) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return 0, os.ErrClosed
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	for i, pkt := range next {
		sizes[i] = copy(bufs[i][offset:], pkt)
	}
	return len(next), nil
}

func (f *fakeTUN) Write(bufs [][]byte, offset int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range bufs {
		f.written = append(f.written, append([]byte(nil), b[offset:]...))
	}
	return len(bufs), nil
}

func (f *fakeTUN) MTU() (int, error)        { return 1500, nil }
func (f *fakeTUN) Name() (string, error)    { return "tun-test", nil }
func (f *fakeTUN) Events() <-chan tun.Event { return nil }
func (f *fakeTUN) BatchSize() int           { return f.batch }
func (f *fakeTUN) Close() error             { f.closes++; return nil }

var _ tun.Device = (*fakeTUN)(nil)

func TestPacketIOSplitsBatches(t *testing.T) {
	dev := &fakeTUN{
		batch: 2,
		batches: [][][]byte{
			{[]byte("first"), []byte("second")},
			{},
			{[]byte("third")},
		},
	}
	p := NewPacketIO(dev)

	buf := make([]byte, 64)
	for _, want := range []string{"first", "second", "third"} {
		n, err := p.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if got := string(buf[:n]); got != want {
			t.Errorf("Read = %q, want %q", got, want)
		}
	}
	if _, err := p.Read(buf); err != ErrClosed {
		t.Errorf("Read on exhausted device = %v, want ErrClosed", err)
	}
}

func TestPacketIOShortBuffer(t *testing.T) {
	p := NewPacketIO(&fakeTUN{batch: 1, batches: [][][]byte{{[]byte("too long")}}})
	if _, err := p.Read(make([]byte, 3)); err != io.ErrShortBuffer {
		t.Errorf("Read = %v, want io.ErrShortBuffer", err)
	}
}

func TestPacketIOWriteStripsHeadroom(t *testing.T) {
	dev := &fakeTUN{batch: 1}
	p := NewPacketIO(dev)

	for _, pkt := range [][]byte{[]byte("a longer packet"), []byte("short")} {
		n, err := p.Write(pkt)
		if err != nil || n != len(pkt) {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if len(dev.written) != 2 || !bytes.Equal(dev.written[1], []byte("short")) {
		t.Errorf("device saw %q", dev.written)
	}
}

func TestPacketIOCloseOnce(t *testing.T) {
	dev := &fakeTUN{batch: 1}
	p := NewPacketIO(dev)
	p.Close()
	p.Close()
	if dev.closes != 1 {
		t.Errorf("device closed %d times, want 1", dev.closes)
	}
	if _, err := p.Write([]byte("x")); err != ErrClosed {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
	if _, err := p.Read(make([]byte, 8)); err != ErrClosed {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
}
