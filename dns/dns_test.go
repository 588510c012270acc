package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("example.com", Domain{"example.com", ""}, nil)
	test("EXAMPLE.COM", Domain{"example.com", ""}, nil)
	test("test☺.example.com", Domain{"xn--test-3o3b.example.com", "test☺.example.com"}, nil)
	test("example.com.", Domain{}, errTrailingDot)
}

func TestIsNotFound(t *testing.T) {
	resolver := MockResolver{
		A: map[string][]string{"exists.example.": {"10.0.0.1"}},
		MX: map[string][]*net.MX{
			"mail.example.": {{Host: "mx.mail.example.", Pref: 10}},
		},
		Fail: []string{"mx broken.example."},
	}
	ctx := context.Background()

	// Absent names give an error classified as not-found, present names and
	// servfails do not.
	_, _, err := resolver.LookupMX(ctx, "absent.example.")
	if err == nil || !IsNotFound(err) {
		t.Fatalf("got %v for absent mx, expected not-found error", err)
	}
	_, _, err = resolver.LookupIPAddr(ctx, "nosuchhost.example.")
	if err == nil || !IsNotFound(err) {
		t.Fatalf("got %v for absent host, expected not-found error", err)
	}
	_, _, err = resolver.LookupMX(ctx, "mail.example.")
	if err != nil || IsNotFound(err) {
		t.Fatalf("unexpected error %v for present mx", err)
	}
	_, _, err = resolver.LookupMX(ctx, "broken.example.")
	if err == nil || IsNotFound(err) {
		t.Fatalf("got %v for servfail, expected error not classified as not-found", err)
	}

	// Wrapped errors are still recognized.
	_, _, err = resolver.LookupMX(ctx, "absent.example.")
	if !IsNotFound(fmt.Errorf("lookup: %w", err)) {
		t.Fatalf("wrapped not-found error not recognized")
	}

	if !IsNotFound(&net.DNSError{Err: "no such host", Name: "x.example.", IsNotFound: true}) {
		t.Fatalf("net.DNSError with IsNotFound not recognized")
	}
	if IsNotFound(errors.New("some other error")) {
		t.Fatalf("arbitrary error classified as not-found")
	}
	if IsNotFound(nil) {
		t.Fatalf("nil error classified as not-found")
	}
}
