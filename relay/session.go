package relay

import (
	"errors"
	"io"
	"time"

	"github.com/tunelapp/tunrelay/flow"
	"github.com/tunelapp/tunrelay/logger"
)

func (e *Engine) connect(r *flow.Reservation) {
	defer e.wg.Done()

	key := r.Key()
	conn, err := e.dialer.Connect(e.ctx, key.Dst.Addr().String(), key.Dst.Port())
	e.obs.ConnectFinished(key, time.Since(r.Started()), err)
	if err != nil {
		dropped := e.table.Release(r)
		for i := 0; i < dropped; i++ {
			e.obs.PacketDropped(DropConnectFailed)
		}
		if e.stopping.Load() {
			logger.Debug("Connect for %s abandoned: %v", key, err)
			return
		}
		logger.Warn("Failed to open %s through %s: %v", key, e.endpoint, err)
		return
	}

	s := flow.NewSession(key, conn)
	n, err := e.table.Commit(r, s)
	if n > 0 {
		e.sink.RecordUpload(uint64(n))
	}
	if err != nil {
		if errors.Is(err, flow.ErrReset) {
			s.Close()
			logger.Debug("Flow %s reset by device while connecting", key)
			e.obs.FlowClosed(key, CloseReset)
			return
		}
		if errors.Is(err, flow.ErrClosed) || errors.Is(err, flow.ErrReservationExpired) {
			s.Close()
			return
		}
		logger.Debug("Flushing queued payload for %s failed: %v", key, err)
		e.closeSession(s, CloseProxyError)
		return
	}

	logger.Debug("Flow %s relaying through %s", key, e.endpoint)
	e.wg.Add(1)
	go e.returnPath(s)
}

// returnPath copies proxy bytes to the device until either side fails.
func (e *Engine) returnPath(s *flow.Session) {
	defer e.wg.Done()

	buf := make([]byte, ReturnBufferSize)
	reason := CloseProxyEOF
	for {
		n, err := s.Conn().Read(buf)
		if n > 0 {
			s.Touch()
			if out := e.framer.Frame(s.Key(), buf[:n]); len(out) > 0 {
				if werr := e.writeDevice(out); werr != nil {
					logger.Debug("Write to tun for %s failed: %v", s.Key(), werr)
					reason = CloseDeviceWrite
					break
				}
				e.sink.RecordDownload(uint64(len(out)))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.Closed() {
				logger.Debug("Read from proxy for %s failed: %v", s.Key(), err)
				reason = CloseProxyError
			}
			break
		}
	}
	e.closeSession(s, reason)
}

// closeSession removes s from the table and closes it. The close is reported
// only by the caller that removed it.
func (e *Engine) closeSession(s *flow.Session, reason string) {
	removed := e.table.Remove(s.Key(), s)
	s.Close()
	if removed {
		logger.Debug("Flow %s closed after %v: %s", s.Key(), time.Since(s.Created()).Round(time.Millisecond), reason)
		e.obs.FlowClosed(s.Key(), reason)
	}
}

func (e *Engine) sweepIdle(timeout time.Duration) {
	defer e.wg.Done()

	interval := timeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range e.table.EvictIdle(now.Add(-timeout)) {
				logger.Debug("Flow %s idle for %v, closing", s.Key(), timeout)
				s.Close()
				e.obs.FlowClosed(s.Key(), CloseIdle)
			}
		}
	}
}
