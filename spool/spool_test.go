package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tspool(t *testing.T) *Spool {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "spool.db"))
	tcheck(t, err, "open spool")
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func tmsg(name string) *Message {
	return &Message{
		Name:       name,
		Sender:     "sender@example.com",
		Recipients: []string{"rcpt@remote.example"},
		State:      StateDefault,
		Content:    []byte("Subject: test\r\n\r\ntest\r\n"),
	}
}

func TestStoreRetrieveRemove(t *testing.T) {
	s := tspool(t)

	err := s.Store(ctxbg, tmsg("m1"))
	tcheck(t, err, "store")

	m, err := s.Retrieve(ctxbg, "m1")
	tcheck(t, err, "retrieve")
	if m == nil {
		t.Fatalf("message vanished after store")
	}
	if m.Sender != "sender@example.com" || len(m.Recipients) != 1 {
		t.Fatalf("bad envelope after retrieve: %v %v", m.Sender, m.Recipients)
	}

	// Upsert by name must not create a second entry.
	m.ErrorCount = 1
	m.State = StateError
	err = s.Store(ctxbg, m)
	tcheck(t, err, "store update")
	l, err := s.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("got %d entries, expected 1", len(l))
	}
	if l[0].ErrorCount != 1 || l[0].State != StateError {
		t.Fatalf("update not applied: %#v", l[0])
	}

	err = s.Remove(ctxbg, "m1")
	tcheck(t, err, "remove")
	m, err = s.Retrieve(ctxbg, "m1")
	tcheck(t, err, "retrieve after remove")
	if m != nil {
		t.Fatalf("message still present after remove")
	}

	// Removing an absent name is not an error.
	err = s.Remove(ctxbg, "m1")
	tcheck(t, err, "remove absent")
}

func TestAcceptReady(t *testing.T) {
	s := tspool(t)

	err := s.Store(ctxbg, tmsg("m1"))
	tcheck(t, err, "store")

	name, err := s.Accept(ctxbg, time.Hour)
	tcheck(t, err, "accept")
	if name != "m1" {
		t.Fatalf("accepted %q, expected m1", name)
	}
}

func TestAcceptBlocksUntilStore(t *testing.T) {
	s := tspool(t)

	type result struct {
		name string
		err  error
	}
	results := make(chan result, 1)
	go func() {
		name, err := s.Accept(ctxbg, time.Hour)
		results <- result{name, err}
	}()

	select {
	case r := <-results:
		t.Fatalf("accept returned %v %v before any entry was stored", r.name, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	err := s.Store(ctxbg, tmsg("m1"))
	tcheck(t, err, "store")

	select {
	case r := <-results:
		tcheck(t, r.err, "accept")
		if r.name != "m1" {
			t.Fatalf("accepted %q, expected m1", r.name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("accept did not wake up after store")
	}
}

// Lease exclusivity: two concurrent Accept calls over a backlog of one
// entry must never both get the key.
func TestAcceptLeaseExclusive(t *testing.T) {
	s := tspool(t)

	err := s.Store(ctxbg, tmsg("m1"))
	tcheck(t, err, "store")

	names := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(ctxbg, 500*time.Millisecond)
			defer cancel()
			name, err := s.Accept(ctx, time.Hour)
			if err != nil {
				return
			}
			names <- name
		}()
	}

	var got []string
	timeout := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case name := <-names:
			got = append(got, name)
		case <-timeout:
			i = 2
		}
	}
	if len(got) != 1 {
		t.Fatalf("leased %d times concurrently, expected exactly 1: %v", len(got), got)
	}

	// After releasing through Store, the key can be accepted again.
	m, err := s.Retrieve(ctxbg, "m1")
	tcheck(t, err, "retrieve")
	err = s.Store(ctxbg, m)
	tcheck(t, err, "store release")
	name, err := s.Accept(ctxbg, time.Hour)
	tcheck(t, err, "accept after release")
	if name != "m1" {
		t.Fatalf("accepted %q, expected m1", name)
	}
}

func TestAcceptErrorDelay(t *testing.T) {
	s := tspool(t)

	m := tmsg("m1")
	m.State = StateError
	m.ErrorCount = 1
	err := s.Store(ctxbg, m)
	tcheck(t, err, "store error entry")

	// Not eligible within the backoff window.
	ctx, cancel := context.WithTimeout(ctxbg, 100*time.Millisecond)
	defer cancel()
	if name, err := s.Accept(ctx, time.Hour); err == nil {
		t.Fatalf("accepted %q within backoff window", name)
	}

	// Eligible once the window has passed.
	name, err := s.Accept(ctxbg, 1*time.Millisecond)
	tcheck(t, err, "accept after window")
	if name != "m1" {
		t.Fatalf("accepted %q, expected m1", name)
	}
}

func TestAcceptNextAttempt(t *testing.T) {
	s := tspool(t)

	// An explicit next-attempt time overrides the acceptor's delay, in both
	// directions.
	m := tmsg("m1")
	m.State = StateError
	m.ErrorCount = 1
	m.NextAttempt = time.Now().Add(50 * time.Millisecond)
	err := s.Store(ctxbg, m)
	tcheck(t, err, "store error entry")

	name, err := s.Accept(ctxbg, time.Hour)
	tcheck(t, err, "accept at next attempt time")
	if name != "m1" {
		t.Fatalf("accepted %q, expected m1", name)
	}
	err = s.Remove(ctxbg, "m1")
	tcheck(t, err, "remove")

	m = tmsg("m2")
	m.State = StateError
	m.ErrorCount = 1
	m.NextAttempt = time.Now().Add(time.Hour)
	err = s.Store(ctxbg, m)
	tcheck(t, err, "store error entry")

	ctx, cancel := context.WithTimeout(ctxbg, 100*time.Millisecond)
	defer cancel()
	if name, err := s.Accept(ctx, 1*time.Millisecond); err == nil {
		t.Fatalf("accepted %q before next attempt time", name)
	}
}

func TestAcceptSkipsGhost(t *testing.T) {
	s := tspool(t)

	m := tmsg("m1")
	m.State = StateGhost
	err := s.Store(ctxbg, m)
	tcheck(t, err, "store ghost")
	err = s.Store(ctxbg, tmsg("m2"))
	tcheck(t, err, "store")

	name, err := s.Accept(ctxbg, time.Hour)
	tcheck(t, err, "accept")
	if name != "m2" {
		t.Fatalf("accepted %q, expected m2", name)
	}
}

func TestReopenLoadsEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.db")

	s, err := Open(path)
	tcheck(t, err, "open spool")
	err = s.Store(ctxbg, tmsg("m1"))
	tcheck(t, err, "store")
	err = s.Close()
	tcheck(t, err, "close")

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("spool database file missing: %v", err)
	}

	s, err = Open(path)
	tcheck(t, err, "reopen spool")
	defer s.Close()

	name, err := s.Accept(ctxbg, time.Hour)
	tcheck(t, err, "accept after reopen")
	if name != "m1" {
		t.Fatalf("accepted %q, expected m1", name)
	}
}
