// Package spool is the durable, lockable repository of in-flight messages
// shared between the SMTP server and the delivery engine.
//
// Entries are keyed by an opaque name. Accept hands out names ready for
// processing under an exclusive lease: at most one worker holds a given
// name at a time, until Store or Remove releases it. Readiness is tracked
// with an in-memory ready list plus a min-heap of retry deadlines, so
// waiting for the next eligible entry does not rescan the whole table.
package spool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/bstore"
)

// States of a spooled message.
const (
	StateDefault = "default" // Never attempted, ready for processing.
	StateError   = "error"   // Failed at least once, eligible again after a delay.
	StateGhost   = "ghost"   // Terminal, split into per-host copies, never processed again.
)

// ErrSpoolClosed is returned by Accept when the spool is closed.
var ErrSpoolClosed = errors.New("spool closed")

// Message is a spooled mail envelope with its content.
type Message struct {
	ID          int64
	Name        string    `bstore:"unique,nonzero"`
	Queued      time.Time `bstore:"nonzero"`
	LastUpdated time.Time `bstore:"nonzero"`

	// Empty string is the null reverse-path, for bounces.
	Sender     string
	Recipients []string

	State      string `bstore:"nonzero"`
	ErrorCount int
	LastError  string

	// For entries in the error state, when the next delivery attempt may
	// start. If zero, the acceptor's delay since LastUpdated applies.
	NextAttempt time.Time

	// Provenance, from SMTP receipt time.
	RemoteHost string
	RemoteAddr string

	Content []byte
}

// Spool is an open spool database.
type Spool struct {
	DB *bstore.DB

	sync.Mutex
	closed  bool
	leased  map[string]bool
	ready   []string  // Names possibly ready for processing, in FIFO order.
	pending pendHeap  // Entries in error state, keyed by last update.
	kickc   chan struct{} // Closed and replaced when work may have arrived.
}

type pendEntry struct {
	next time.Time // Deadline after which the entry may be eligible.
	name string
}

type pendHeap []pendEntry

func (h pendHeap) Len() int           { return len(h) }
func (h pendHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h pendHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendHeap) Push(x any)        { *h = append(*h, x.(pendEntry)) }
func (h *pendHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Open opens the spool database at path, creating it and its directory when
// missing, and loads the readiness administration for existing entries.
func Open(path string) (*Spool, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bstore.Open(context.Background(), path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, Message{})
	if err != nil {
		return nil, fmt.Errorf("open spool database: %v", err)
	}
	s := &Spool{
		DB:     db,
		leased: map[string]bool{},
		kickc:  make(chan struct{}),
	}
	err = bstore.QueryDB[Message](context.Background(), db).ForEach(func(m Message) error {
		switch m.State {
		case StateDefault:
			s.ready = append(s.ready, m.Name)
		case StateError:
			heap.Push(&s.pending, pendEntry{errorDeadline(m), m.Name})
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading spool entries: %v", err)
	}
	return s, nil
}

// Close closes the database. Blocked Accept calls return ErrSpoolClosed.
func (s *Spool) Close() error {
	s.Lock()
	s.closed = true
	s.signal()
	s.Unlock()
	return s.DB.Close()
}

// signal wakes all waiting acceptors. Must be called with the lock held.
func (s *Spool) signal() {
	close(s.kickc)
	s.kickc = make(chan struct{})
}

// Store upserts a message by name, refreshing its last-updated timestamp,
// and releases the caller's lease on that name so other workers can accept
// it again once eligible.
func (s *Spool) Store(ctx context.Context, m *Message) error {
	m.LastUpdated = time.Now()
	if m.Queued.IsZero() {
		m.Queued = m.LastUpdated
	}
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Message](tx).FilterNonzero(Message{Name: m.Name}).Get()
		if err != nil && err != bstore.ErrAbsent {
			return err
		}
		if err == nil {
			m.ID = exists.ID
			return tx.Update(m)
		}
		m.ID = 0
		return tx.Insert(m)
	})
	if err != nil {
		return fmt.Errorf("storing spool message %q: %v", m.Name, err)
	}

	s.Lock()
	defer s.Unlock()
	delete(s.leased, m.Name)
	switch m.State {
	case StateDefault:
		s.ready = append(s.ready, m.Name)
	case StateError:
		heap.Push(&s.pending, pendEntry{errorDeadline(*m), m.Name})
	}
	s.signal()
	return nil
}

// errorDeadline is the scheduling deadline for an error-state entry: its
// next-attempt time when set, otherwise the last update, leaving the
// acceptor's delay to the eligibility check.
func errorDeadline(m Message) time.Time {
	if !m.NextAttempt.IsZero() {
		return m.NextAttempt
	}
	return m.LastUpdated
}

// Retrieve returns the message for name, or nil if it vanished, e.g.
// already processed and removed by a concurrent worker. Callers must treat
// nil as "skip", not as an error.
func (s *Spool) Retrieve(ctx context.Context, name string) (*Message, error) {
	m, err := bstore.QueryDB[Message](ctx, s.DB).FilterNonzero(Message{Name: name}).Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieving spool message %q: %v", name, err)
	}
	return &m, nil
}

// Remove deletes the message for name and releases its lease. Removing an
// absent name is not an error.
func (s *Spool) Remove(ctx context.Context, name string) error {
	_, err := bstore.QueryDB[Message](ctx, s.DB).FilterNonzero(Message{Name: name}).Delete()
	if err != nil {
		return fmt.Errorf("removing spool message %q: %v", name, err)
	}
	s.Lock()
	delete(s.leased, name)
	s.signal()
	s.Unlock()
	return nil
}

// Accept blocks until an entry is ready for processing and returns its name
// with an exclusive lease: no other Accept returns the same name until
// Store or Remove releases it. Entries in the error state become eligible
// at their next-attempt time, or once delay has elapsed since their last
// update when no next-attempt time was set; fresh entries are eligible
// immediately. Ghost entries are never returned.
func (s *Spool) Accept(ctx context.Context, delay time.Duration) (string, error) {
	for {
		s.Lock()
		if s.closed {
			s.Unlock()
			return "", ErrSpoolClosed
		}

		now := time.Now()

		// Move pending entries whose backoff deadline has passed to the ready list.
		for len(s.pending) > 0 && !now.Before(s.pending[0].next) {
			e := heap.Pop(&s.pending).(pendEntry)
			s.ready = append(s.ready, e.name)
		}

		for len(s.ready) > 0 {
			name := s.ready[0]
			s.ready = s.ready[1:]
			if s.leased[name] {
				// Duplicate token, the live one is with another worker.
				continue
			}
			ok, next, err := s.eligible(ctx, name, delay, now)
			if err != nil {
				s.Unlock()
				return "", err
			}
			if !ok {
				if !next.IsZero() {
					heap.Push(&s.pending, pendEntry{next, name})
				}
				continue
			}
			s.leased[name] = true
			s.Unlock()
			return name, nil
		}

		// Nothing ready. Wait for new work or the earliest retry deadline.
		var timer <-chan time.Time
		var tstop func() bool
		if len(s.pending) > 0 {
			t := time.NewTimer(time.Until(s.pending[0].next))
			timer = t.C
			tstop = t.Stop
		}
		kickc := s.kickc
		s.Unlock()

		select {
		case <-ctx.Done():
			if tstop != nil {
				tstop()
			}
			return "", ctx.Err()
		case <-kickc:
			if tstop != nil {
				tstop()
			}
		case <-timer:
		}
	}
}

// eligible checks the database state for name. It returns whether the entry
// may be processed now, and if not and the entry still exists in error
// state, the deadline to reschedule it with.
func (s *Spool) eligible(ctx context.Context, name string, delay time.Duration, now time.Time) (bool, time.Time, error) {
	m, err := bstore.QueryDB[Message](ctx, s.DB).FilterNonzero(Message{Name: name}).Get()
	if err == bstore.ErrAbsent {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("checking spool message %q: %v", name, err)
	}
	switch m.State {
	case StateDefault:
		return true, time.Time{}, nil
	case StateError:
		next := m.NextAttempt
		if next.IsZero() {
			next = m.LastUpdated.Add(delay)
		}
		if !now.Before(next) {
			return true, time.Time{}, nil
		}
		return false, next, nil
	}
	// Ghosts stay out of circulation.
	return false, time.Time{}, nil
}

// List returns all messages, for inspection by the CLI and tests.
func (s *Spool) List(ctx context.Context) ([]Message, error) {
	return bstore.QueryDB[Message](ctx, s.DB).SortAsc("ID").List()
}
