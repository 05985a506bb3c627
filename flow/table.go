// Package flow tracks the mapping from TCP flow identity to the proxied
// session serving it.
package flow

import (
	"errors"
	"sync"
	"time"

	"github.com/tunelapp/tunrelay/packet"
)

// DefaultPendingLimit caps how many payloads may wait on a connecting flow.
const DefaultPendingLimit = 64

var (
	ErrClosed             = errors.New("flow table closed")
	ErrPendingFull        = errors.New("pending queue full")
	ErrReservationExpired = errors.New("reservation no longer active")
	// ErrReset is returned by Commit when the device reset the flow while it
	// was connecting.
	ErrReset = errors.New("flow reset while connecting")
)

// State reports what GetOrReserve found for a key.
type State int

const (
	// Existing means an established session serves the key.
	Existing State = iota
	// Reserved means the caller now owns the connect for the key.
	Reserved
	// Pending means another caller is connecting; payloads may be enqueued.
	Pending
	// Closed means the table has been drained.
	Closed
	// Absent means nothing serves the key. Only Finish reports it.
	Absent
)

func (s State) String() string {
	switch s {
	case Existing:
		return "existing"
	case Reserved:
		return "reserved"
	case Pending:
		return "pending"
	case Closed:
		return "closed"
	case Absent:
		return "absent"
	}
	return "unknown"
}

// Reservation marks a key whose proxy connect is in flight.
type Reservation struct {
	key     packet.FlowKey
	pending [][]byte
	started time.Time
	// Set by Finish, applied by Commit.
	halfClose bool
	reset     bool
}

func (r *Reservation) Key() packet.FlowKey { return r.key }

func (r *Reservation) Started() time.Time { return r.started }

type entry struct {
	session     *Session
	reservation *Reservation
}

// Table maps flow keys to sessions. At most one session or reservation
// exists per key.
type Table struct {
	mu           sync.Mutex
	entries      map[packet.FlowKey]*entry
	closed       bool
	pendingLimit int
}

// NewTable returns an empty table. A pendingLimit <= 0 uses
// DefaultPendingLimit.
func NewTable(pendingLimit int) *Table {
	if pendingLimit <= 0 {
		pendingLimit = DefaultPendingLimit
	}
	return &Table{
		entries:      make(map[packet.FlowKey]*entry),
		pendingLimit: pendingLimit,
	}
}

// GetOrReserve returns the session for key, or reserves the key for the
// caller. Exactly one concurrent caller observes Reserved for a missing key.
func (t *Table) GetOrReserve(key packet.FlowKey) (State, *Session, *Reservation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Closed, nil, nil
	}
	if e, ok := t.entries[key]; ok {
		if e.session != nil {
			return Existing, e.session, nil
		}
		return Pending, nil, e.reservation
	}
	r := &Reservation{key: key, started: time.Now()}
	t.entries[key] = &entry{reservation: r}
	return Reserved, nil, r
}

// Lookup returns the established session for key, if any.
func (t *Table) Lookup(key packet.FlowKey) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.session != nil {
		return e.session, true
	}
	return nil, false
}

// Enqueue copies payload onto r's pending queue, to be forwarded in order
// once the session is committed.
func (t *Table) Enqueue(r *Reservation, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.current(r) {
		return ErrReservationExpired
	}
	if len(r.pending) >= t.pendingLimit {
		return ErrPendingFull
	}
	r.pending = append(r.pending, append([]byte(nil), payload...))
	return nil
}

// Finish records that the device ended the flow for key. An established
// session is returned with Existing and the caller half-closes or closes it.
// For a connecting flow payload is queued and the half-close or reset is kept
// on the reservation until Commit. ErrPendingFull means the end was recorded
// but payload was dropped.
func (t *Table) Finish(key packet.FlowKey, payload []byte, reset bool) (State, *Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Closed, nil, nil
	}
	e, ok := t.entries[key]
	if !ok {
		return Absent, nil, nil
	}
	if e.session != nil {
		return Existing, e.session, nil
	}

	r := e.reservation
	if reset {
		r.reset = true
		r.pending = nil
		return Pending, nil, nil
	}
	r.halfClose = true
	if len(payload) == 0 {
		return Pending, nil, nil
	}
	if len(r.pending) >= t.pendingLimit {
		return Pending, nil, ErrPendingFull
	}
	r.pending = append(r.pending, append([]byte(nil), payload...))
	return Pending, nil, nil
}

func (t *Table) current(r *Reservation) bool {
	if t.closed {
		return false
	}
	e, ok := t.entries[r.key]
	return ok && e.reservation == r
}

// Commit replaces r with the established session s and forwards the queued
// payloads to it, then applies a half-close recorded by Finish. The session
// is not visible to other callers until this is done. It returns the number
// of bytes forwarded. A reservation reset by Finish is dropped and ErrReset
// returned; the caller still owns s.
func (t *Table) Commit(r *Reservation, s *Session) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	t.mu.Lock()
	if !t.current(r) {
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return 0, ErrClosed
		}
		return 0, ErrReservationExpired
	}
	if r.reset {
		r.pending = nil
		delete(t.entries, r.key)
		t.mu.Unlock()
		return 0, ErrReset
	}
	pending, halfClose := r.pending, r.halfClose
	r.pending = nil
	t.entries[r.key] = &entry{session: s}
	t.mu.Unlock()

	var total int
	for _, p := range pending {
		n, err := s.write(p)
		total += n
		if err != nil {
			return total, err
		}
	}
	if halfClose {
		if err := s.closeWrite(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Release drops r after a failed connect and returns how many queued
// payloads were discarded.
func (t *Table) Release(r *Reservation) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	dropped := len(r.pending)
	r.pending = nil
	if e, ok := t.entries[r.key]; ok && e.reservation == r {
		delete(t.entries, r.key)
	}
	return dropped
}

// Remove deletes the entry for key if it still refers to s.
func (t *Table) Remove(key packet.FlowKey, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.session == s {
		delete(t.entries, key)
		return true
	}
	return false
}

// Len returns the number of established sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.session != nil {
			n++
		}
	}
	return n
}

// Connecting returns the number of outstanding reservations.
func (t *Table) Connecting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.reservation != nil {
			n++
		}
	}
	return n
}

// EvictIdle removes and returns sessions with no activity since cutoff.
// The caller closes them.
func (t *Table) EvictIdle(cutoff time.Time) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Session
	for k, e := range t.entries {
		if e.session != nil && e.session.LastActive().Before(cutoff) {
			out = append(out, e.session)
			delete(t.entries, k)
		}
	}
	return out
}

// Drain closes every session, drops every reservation and refuses further
// reservations. It returns the sessions that were closed.
func (t *Table) Drain() []*Session {
	t.mu.Lock()
	t.closed = true
	var out []*Session
	for k, e := range t.entries {
		if e.session != nil {
			out = append(out, e.session)
		}
		if e.reservation != nil {
			e.reservation.pending = nil
		}
		delete(t.entries, k)
	}
	t.mu.Unlock()

	for _, s := range out {
		s.Close()
	}
	return out
}
