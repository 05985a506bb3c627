// Package device adapts a platform TUN device to the one-packet-per-call
// reader and writer the relay engine consumes.
package device

import (
	"errors"
	"io"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
)

const (
	// Offset is the headroom reserved in front of every packet for the
	// virtio header some tun implementations prepend.
	Offset = 16

	maxPacketSize = 65535
)

var ErrClosed = errors.New("device closed")

// PacketIO reads and writes single IP packets on a tun.Device. Packets read
// in a batch are handed out one per Read call.
type PacketIO struct {
	dev tun.Device

	rmu    sync.Mutex
	bufs   [][]byte
	sizes  []int
	next   int
	filled int

	wmu  sync.Mutex
	wbuf []byte

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewPacketIO wraps dev. Closing the PacketIO closes dev.
func NewPacketIO(dev tun.Device) *PacketIO {
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	p := &PacketIO{
		dev:    dev,
		bufs:   make([][]byte, batch),
		sizes:  make([]int, batch),
		closed: make(chan struct{}),
	}
	for i := range p.bufs {
		p.bufs[i] = make([]byte, Offset+maxPacketSize)
	}
	return p
}

// Read copies the next packet into b.
func (p *PacketIO) Read(b []byte) (int, error) {
	p.rmu.Lock()
	defer p.rmu.Unlock()

	for p.next >= p.filled {
		select {
		case <-p.closed:
			return 0, ErrClosed
		default:
		}
		n, err := p.dev.Read(p.bufs, p.sizes, Offset)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return 0, ErrClosed
			}
			return 0, err
		}
		p.next, p.filled = 0, n
	}

	size := p.sizes[p.next]
	pkt := p.bufs[p.next][Offset : Offset+size]
	p.next++
	if len(b) < size {
		return 0, io.ErrShortBuffer
	}
	return copy(b, pkt), nil
}

// Write injects one packet.
func (p *PacketIO) Write(b []byte) (int, error) {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}

	need := Offset + len(b)
	if cap(p.wbuf) < need {
		p.wbuf = make([]byte, need)
	}
	buf := p.wbuf[:need]
	clear(buf[:Offset])
	copy(buf[Offset:], b)

	n, err := p.dev.Write([][]byte{buf}, Offset)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.ErrShortWrite
	}
	return len(b), nil
}

// Close closes the underlying device once.
func (p *PacketIO) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.closeErr = p.dev.Close()
	})
	return p.closeErr
}

// MTU reports the device MTU.
func (p *PacketIO) MTU() (int, error) { return p.dev.MTU() }

// Name reports the device name.
func (p *PacketIO) Name() (string, error) { return p.dev.Name() }
