// Package relay moves traffic between a TUN device and a SOCKS5 endpoint.
// TCP payloads are forwarded over one proxied connection per flow, ICMP echo
// requests are answered locally and everything else is dropped.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunelapp/tunrelay/flow"
	"github.com/tunelapp/tunrelay/logger"
	"github.com/tunelapp/tunrelay/packet"
	"github.com/tunelapp/tunrelay/socks5"
)

var (
	// ErrDevice wraps unrecoverable TUN device failures.
	ErrDevice = errors.New("tun device failure")

	ErrAlreadyStarted = errors.New("relay engine already started")
	ErrStopped        = errors.New("relay engine stopped")
)

// Engine relays packets read from dev through a SOCKS5 endpoint.
type Engine struct {
	dev      io.ReadWriteCloser
	endpoint socks5.Endpoint
	sink     Sink
	obs      Observer
	dialer   Dialer
	framer   Framer
	opts     Options
	table    *flow.Table

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	devMu        sync.Mutex
	devCloseOnce sync.Once
	devCloseErr  error

	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}

	errMu sync.Mutex
	err   error
}

// NewEngine builds an engine over dev. A nil sink discards accounting.
func NewEngine(dev io.ReadWriteCloser, endpoint socks5.Endpoint, sink Sink, opts Options) *Engine {
	if sink == nil {
		sink = nopSink{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Framer == nil {
		opts.Framer = RawFramer{}
	}
	if opts.DeviceRetryDelay <= 0 {
		opts.DeviceRetryDelay = DefaultDeviceRetryDelay
	}
	if opts.Dialer == nil {
		d := socks5.NewDialer(endpoint)
		if opts.ConnectTimeout > 0 {
			d.Timeout = opts.ConnectTimeout
		}
		opts.Dialer = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		dev:      dev,
		endpoint: endpoint,
		sink:     sink,
		obs:      opts.Observer,
		dialer:   opts.Dialer,
		framer:   opts.Framer,
		opts:     opts,
		table:    flow.NewTable(opts.PendingLimit),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the read loop and returns immediately.
func (e *Engine) Start() error {
	if e.stopping.Load() {
		return ErrStopped
	}
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	e.wg.Add(1)
	go e.readLoop()

	if e.opts.IdleTimeout > 0 {
		e.wg.Add(1)
		go e.sweepIdle(e.opts.IdleTimeout)
	}

	logger.Info("Relay engine started, proxying through %s", e.endpoint)
	return nil
}

// Stop closes the device and every session, then waits for all goroutines
// to exit. It is safe to call more than once.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.stopping.Store(true)
		e.cancel()
		e.closeDevice()

		for _, s := range e.table.Drain() {
			e.obs.FlowClosed(s.Key(), CloseEngineStopped)
		}

		e.wg.Wait()
		close(e.done)
		logger.Info("Relay engine stopped")
	})
	<-e.done
	return e.devCloseErr
}

// Done is closed once the engine has fully stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the error that stopped the engine, or nil after a clean stop.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// Flows returns the number of established sessions.
func (e *Engine) Flows() int { return e.table.Len() }

// Connecting returns the number of connects in flight.
func (e *Engine) Connecting() int { return e.table.Connecting() }

func (e *Engine) closeDevice() {
	e.devCloseOnce.Do(func() {
		e.devCloseErr = e.dev.Close()
		if e.devCloseErr != nil {
			logger.Warn("Error closing tun device: %v", e.devCloseErr)
		}
	})
}

// terminate records err and stops the engine from a goroutine the engine owns.
func (e *Engine) terminate(err error) {
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()
	go e.Stop()
}

func (e *Engine) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, ReadBufferSize)
	failed := false
	for {
		n, err := e.dev.Read(buf)
		if err != nil {
			if e.stopping.Load() {
				return
			}
			if errors.Is(err, io.ErrShortBuffer) {
				failed = false
				logger.Trace("Dropping packet larger than %d bytes", len(buf))
				e.obs.PacketDropped(DropOversized)
				continue
			}
			if errors.Is(err, io.EOF) {
				logger.Info("Tun device reached end of stream")
				e.terminate(nil)
				return
			}
			e.obs.DeviceError("read", err)
			if failed {
				logger.Error("Tun device read failed again, stopping: %v", err)
				e.terminate(fmt.Errorf("%w: read: %w", ErrDevice, err))
				return
			}
			failed = true
			logger.Warn("Tun device read failed, retrying in %v: %v", e.opts.DeviceRetryDelay, err)
			select {
			case <-time.After(e.opts.DeviceRetryDelay):
			case <-e.ctx.Done():
				return
			}
			continue
		}
		failed = false
		if n <= 0 {
			logger.Info("Tun device returned no data, stopping")
			e.terminate(nil)
			return
		}
		e.handlePacket(buf[:n])
	}
}

func (e *Engine) handlePacket(b []byte) {
	v, err := packet.Classify(b)
	if err != nil {
		if errors.Is(err, packet.ErrUnsupported) {
			logger.Debug("Dropping packet: %v", err)
			e.obs.PacketDropped(DropUnsupported)
			return
		}
		logger.Trace("Dropping packet: %v", err)
		e.obs.PacketDropped(DropMalformed)
		return
	}

	switch v.Protocol {
	case packet.ProtocolTCP:
		e.handleTCP(v, b)
	case packet.ProtocolICMP:
		e.handleICMP(v, b)
	case packet.ProtocolUDP:
		logger.Debug("Dropping %s: UDP relay is not supported", v)
		e.obs.PacketDropped(DropUDP)
	default:
		e.obs.PacketDropped(DropUnsupported)
	}
}

func (e *Engine) handleICMP(v packet.View, b []byte) {
	reply, ok := packet.EchoReply(v, b, packet.EchoOptions{Checksum: e.opts.ICMPChecksum})
	if !ok {
		logger.Trace("Ignoring %s: not an echo request", v)
		e.obs.PacketDropped(DropICMPNotEcho)
		return
	}
	if err := e.writeDevice(reply); err != nil {
		logger.Debug("Failed to write echo reply to %s: %v", v.Src, err)
		return
	}
	e.sink.RecordDownload(uint64(len(reply)))
}

func (e *Engine) handleTCP(v packet.View, b []byte) {
	key, _ := v.FlowKey()
	payload := v.Payload(b)

	if v.RST() || v.FIN() {
		e.finish(key, payload, v.RST())
		return
	}

	state, s, r := e.table.GetOrReserve(key)
	switch state {
	case flow.Existing:
		if len(payload) > 0 {
			e.forward(s, payload)
		}
	case flow.Reserved:
		if len(payload) > 0 {
			e.table.Enqueue(r, payload)
		}
		e.wg.Add(1)
		go e.connect(r)
	case flow.Pending:
		if len(payload) == 0 {
			return
		}
		if err := e.table.Enqueue(r, payload); err != nil {
			logger.Debug("Dropping payload for connecting flow %s: %v", key, err)
			e.obs.PacketDropped(DropPendingFull)
		}
	case flow.Closed:
		e.obs.PacketDropped(DropStopped)
	}
}

// finish applies a FIN or RST from the device. A flow that is still
// connecting gets the half-close or reset when its connect completes.
func (e *Engine) finish(key packet.FlowKey, payload []byte, reset bool) {
	if reset {
		payload = nil
	}
	state, s, err := e.table.Finish(key, payload, reset)
	switch state {
	case flow.Existing:
		if reset {
			logger.Debug("Flow %s reset by device", key)
			e.closeSession(s, CloseReset)
			return
		}
		if len(payload) > 0 {
			e.forward(s, payload)
		}
		if err := s.CloseWrite(); err != nil {
			logger.Debug("Half-close of %s failed: %v", key, err)
		}
	case flow.Pending:
		if err != nil {
			logger.Debug("Dropping payload for connecting flow %s: %v", key, err)
			e.obs.PacketDropped(DropPendingFull)
		}
		logger.Trace("Flow %s ended by device while connecting, reset=%t", key, reset)
	case flow.Absent:
		logger.Trace("Dropping FIN/RST for %s: no session", key)
		e.obs.PacketDropped(DropNoSession)
	case flow.Closed:
		e.obs.PacketDropped(DropStopped)
	}
}

func (e *Engine) forward(s *flow.Session, payload []byte) {
	n, err := s.Write(payload)
	if n > 0 {
		e.sink.RecordUpload(uint64(n))
	}
	if err != nil {
		logger.Debug("Write to proxy for %s failed: %v", s.Key(), err)
		e.closeSession(s, CloseProxyError)
	}
}

// writeDevice writes one packet. A failed write is retried once after
// DeviceRetryDelay and a second consecutive failure stops the engine.
func (e *Engine) writeDevice(b []byte) error {
	e.devMu.Lock()
	defer e.devMu.Unlock()

	_, err := e.dev.Write(b)
	if err == nil || e.stopping.Load() {
		return err
	}
	e.obs.DeviceError("write", err)
	logger.Warn("Tun device write failed, retrying in %v: %v", e.opts.DeviceRetryDelay, err)
	select {
	case <-time.After(e.opts.DeviceRetryDelay):
	case <-e.ctx.Done():
		return err
	}

	_, err = e.dev.Write(b)
	if err == nil || e.stopping.Load() {
		return err
	}
	e.obs.DeviceError("write", err)
	logger.Error("Tun device write failed again, stopping: %v", err)
	e.terminate(fmt.Errorf("%w: write: %w", ErrDevice, err))
	return err
}
