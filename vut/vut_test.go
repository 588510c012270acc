package vut

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/imyousuf/james-sub012/dns"
	"github.com/imyousuf/james-sub012/smtp"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tvut(t *testing.T) *VUT {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "vut.db"))
	tcheck(t, err, "open vut")
	t.Cleanup(func() {
		v.Close()
	})
	return v
}

func tdomain(t *testing.T, s string) dns.Domain {
	t.Helper()
	d, err := dns.ParseDomain(s)
	tcheck(t, err, "parse domain")
	return d
}

func taddr(t *testing.T, s string) smtp.Address {
	t.Helper()
	a, err := smtp.ParseAddress(s)
	tcheck(t, err, "parse address")
	return a
}

func tresolve(t *testing.T, v *VUT, addr string, expect ...string) {
	t.Helper()
	l, err := v.Resolve(ctxbg, taddr(t, addr))
	tcheck(t, err, "resolve")
	var got []string
	for _, a := range l {
		got = append(got, a.Pack(false))
	}
	if len(got) != len(expect) {
		t.Fatalf("resolved %q to %v, expected %v", addr, got, expect)
	}
	for i := range got {
		if got[i] != expect[i] {
			t.Fatalf("resolved %q to %v, expected %v", addr, got, expect)
		}
	}
}

func TestAddressMapping(t *testing.T) {
	v := tvut(t)

	err := v.Add(ctxbg, "info", tdomain(t, "example.com"), "alice@example.com")
	tcheck(t, err, "add")
	tresolve(t, v, "info@example.com", "alice@example.com")

	// Multiple targets.
	err = v.Add(ctxbg, "all", tdomain(t, "example.com"), "alice@example.com", "bob@other.example")
	tcheck(t, err, "add multi")
	tresolve(t, v, "all@example.com", "alice@example.com", "bob@other.example")

	// Chained mappings resolve transitively.
	err = v.Add(ctxbg, "alias", tdomain(t, "example.com"), "info@example.com")
	tcheck(t, err, "add chain")
	tresolve(t, v, "alias@example.com", "alice@example.com")

	// Add replaces an existing mapping.
	err = v.Add(ctxbg, "info", tdomain(t, "example.com"), "carol@example.com")
	tcheck(t, err, "replace")
	tresolve(t, v, "info@example.com", "carol@example.com")
}

func TestNoMapping(t *testing.T) {
	v := tvut(t)
	_, err := v.Resolve(ctxbg, taddr(t, "nobody@example.com"))
	if !errors.Is(err, ErrNoMapping) {
		t.Fatalf("got %v, expected ErrNoMapping", err)
	}
}

func TestErrorMapping(t *testing.T) {
	v := tvut(t)
	err := v.Add(ctxbg, "gone", tdomain(t, "example.com"), "error:user has left the building")
	tcheck(t, err, "add error mapping")

	_, err = v.Resolve(ctxbg, taddr(t, "gone@example.com"))
	var merr *MappingError
	if !errors.As(err, &merr) {
		t.Fatalf("got %v, expected MappingError", err)
	}
	if merr.Message != "user has left the building" {
		t.Fatalf("bad mapping error message %q", merr.Message)
	}
}

func TestRegexMapping(t *testing.T) {
	v := tvut(t)
	err := v.Add(ctxbg, "sales", tdomain(t, "example.com"), `regex:^(.*)@example\.com$:$1@sales.example.com`)
	tcheck(t, err, "add regex mapping")
	tresolve(t, v, "sales@example.com", "sales@sales.example.com")

	// Invalid pattern is rejected at Add time.
	err = v.Add(ctxbg, "bad", tdomain(t, "example.com"), `regex:^(:$1@x.example`)
	if err == nil {
		t.Fatalf("add with invalid regex did not fail")
	}
}

func TestAliasDomain(t *testing.T) {
	v := tvut(t)
	// Wildcard entry redirecting a whole domain.
	err := v.Add(ctxbg, "", tdomain(t, "old.example"), "domain:example.com")
	tcheck(t, err, "add alias domain")
	tresolve(t, v, "someone@old.example", "someone@example.com")

	// An exact entry wins over the wildcard.
	err = v.Add(ctxbg, "info", tdomain(t, "old.example"), "alice@example.com")
	tcheck(t, err, "add exact")
	tresolve(t, v, "info@old.example", "alice@example.com")
}

func TestMappingLoop(t *testing.T) {
	v := tvut(t)
	err := v.Add(ctxbg, "a", tdomain(t, "example.com"), "b@example.com")
	tcheck(t, err, "add a")
	err = v.Add(ctxbg, "b", tdomain(t, "example.com"), "a@example.com")
	tcheck(t, err, "add b")

	_, err = v.Resolve(ctxbg, taddr(t, "a@example.com"))
	if !errors.Is(err, ErrLoop) {
		t.Fatalf("got %v, expected ErrLoop", err)
	}

	// A diamond (two paths to the same terminal address) is not a loop.
	err = v.Add(ctxbg, "c", tdomain(t, "example.com"), "d@example.com", "e@example.com")
	tcheck(t, err, "add c")
	err = v.Add(ctxbg, "d", tdomain(t, "example.com"), "final@other.example")
	tcheck(t, err, "add d")
	err = v.Add(ctxbg, "e", tdomain(t, "example.com"), "final@other.example")
	tcheck(t, err, "add e")
	tresolve(t, v, "c@example.com", "final@other.example", "final@other.example")
}

func TestRemove(t *testing.T) {
	v := tvut(t)
	d := tdomain(t, "example.com")
	err := v.Add(ctxbg, "info", d, "alice@example.com")
	tcheck(t, err, "add")
	err = v.Remove(ctxbg, "info", d)
	tcheck(t, err, "remove")
	if err := v.Remove(ctxbg, "info", d); !errors.Is(err, ErrNoMapping) {
		t.Fatalf("got %v, expected ErrNoMapping", err)
	}
}
