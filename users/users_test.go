package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/imyousuf/james-sub012/smtp"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tusers(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "users.db"))
	tcheck(t, err, "open users")
	t.Cleanup(func() {
		d.Close()
	})
	return d
}

func taddr(t *testing.T, s string) smtp.Address {
	t.Helper()
	a, err := smtp.ParseAddress(s)
	tcheck(t, err, "parse address")
	return a
}

func TestUsers(t *testing.T) {
	d := tusers(t)

	addr := taddr(t, "alice@example.com")
	if err := d.Add(ctxbg, addr, "short"); err == nil {
		t.Fatalf("added user with too short password")
	}
	err := d.Add(ctxbg, addr, "password1")
	tcheck(t, err, "add user")

	exists, err := d.Exists(ctxbg, addr)
	tcheck(t, err, "exists")
	if !exists {
		t.Fatalf("added user does not exist")
	}
	// Addresses are canonicalized to lower case.
	exists, err = d.Exists(ctxbg, taddr(t, "Alice@EXAMPLE.com"))
	tcheck(t, err, "exists")
	if !exists {
		t.Fatalf("user not found under differently cased address")
	}
	exists, err = d.Exists(ctxbg, taddr(t, "bob@example.com"))
	tcheck(t, err, "exists")
	if exists {
		t.Fatalf("unknown user exists")
	}

	// Add for an existing user replaces the password.
	err = d.Add(ctxbg, addr, "password2")
	tcheck(t, err, "replace password")
	l, err := d.List(ctxbg)
	tcheck(t, err, "list")
	if len(l) != 1 || l[0].Name != "alice@example.com" {
		t.Fatalf("got users %v, expected single alice@example.com", l)
	}

	err = d.Remove(ctxbg, addr)
	tcheck(t, err, "remove user")
	if err := d.Remove(ctxbg, addr); !errors.Is(err, ErrUnknown) {
		t.Fatalf("got %v removing absent user, expected ErrUnknown", err)
	}
}

func TestVerify(t *testing.T) {
	d := tusers(t)

	err := d.Add(ctxbg, taddr(t, "alice@example.com"), "password1")
	tcheck(t, err, "add user")

	u, err := d.Verify(ctxbg, "alice@example.com", "password1")
	tcheck(t, err, "verify")
	if u.Name != "alice@example.com" {
		t.Fatalf("got user %q", u.Name)
	}
	if _, err := d.Verify(ctxbg, "Alice@Example.COM", "password1"); err != nil {
		t.Fatalf("verify with differently cased address: %v", err)
	}

	if _, err := d.Verify(ctxbg, "alice@example.com", "wrongpass"); !errors.Is(err, ErrCredentials) {
		t.Fatalf("got %v for bad password, expected ErrCredentials", err)
	}
	if _, err := d.Verify(ctxbg, "bob@example.com", "password1"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("got %v for unknown user, expected ErrUnknown", err)
	}
	// Names that are not addresses get the same response as unknown users.
	if _, err := d.Verify(ctxbg, "not an address", "password1"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("got %v for malformed name, expected ErrUnknown", err)
	}
}
