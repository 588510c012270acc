package dsn

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/imyousuf/james-sub012/dns"
	"github.com/imyousuf/james-sub012/james-"
	"github.com/imyousuf/james-sub012/smtp"
)

func xparseDomain(t *testing.T, s string) dns.Domain {
	t.Helper()
	d, err := dns.ParseDomain(s)
	if err != nil {
		t.Fatalf("parsing domain %q: %v", s, err)
	}
	return d
}

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestCompose(t *testing.T) {
	james.Conf.HostnameDomain = xparseDomain(t, "mta.example.com")

	now := time.Now()
	m := Message{
		From:         smtp.Path{Localpart: "postmaster", IPDomain: dns.IPDomain{Domain: xparseDomain(t, "mta.example.com")}},
		To:           smtp.Path{Localpart: "sender", IPDomain: dns.IPDomain{Domain: xparseDomain(t, "remote.example")}},
		Subject:      "mail delivery failure",
		TextBody:     "delivery failed\n",
		ReportingMTA: "mta.example.com",
		ArrivalDate:  now,
		Recipients: []Recipient{
			{
				FinalRecipient:  smtp.Path{Localpart: "user", IPDomain: dns.IPDomain{Domain: xparseDomain(t, "other.example")}},
				Action:          Failed,
				Status:          "5.1.1",
				DiagnosticCode:  "5.1.1 no such user",
				LastAttemptDate: now,
			},
		},
		Original: []byte("Subject: test\r\n\r\nbody\r\n"),
	}

	data, err := m.Compose(false)
	tcheck(t, err, "compose")
	if m.MessageID == "" {
		t.Fatalf("no message-id set")
	}

	// Parse the outer message and check the multipart/report structure.
	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(data)))
	hdr, err := tr.ReadMIMEHeader()
	tcheck(t, err, "reading outer headers")
	ct, params, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	tcheck(t, err, "parsing content-type")
	if ct != "multipart/report" {
		t.Fatalf("got content-type %q, expected multipart/report", ct)
	}

	mr := multipart.NewReader(tr.R, params["boundary"])
	var types []string
	var statusBody string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		tcheck(t, err, "next part")
		pct, _, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
		tcheck(t, err, "part content-type")
		types = append(types, pct)
		buf, err := io.ReadAll(p)
		tcheck(t, err, "reading part")
		if pct == "message/delivery-status" {
			statusBody = string(buf)
		}
	}
	exp := []string{"text/plain", "message/delivery-status", "text/rfc822-headers"}
	if len(types) != len(exp) {
		t.Fatalf("got %d parts (%v), expected %v", len(types), types, exp)
	}
	for i, e := range exp {
		if types[i] != e {
			t.Fatalf("part %d has type %q, expected %q", i, types[i], e)
		}
	}

	for _, s := range []string{"Reporting-MTA: dns; mta.example.com", "Final-Recipient: rfc822;user@other.example", "Action: failed", "Status: 5.1.1", "Diagnostic-Code: smtp; 5.1.1 (no such user)"} {
		if !strings.Contains(statusBody, s) {
			t.Fatalf("delivery-status part does not contain %q:\n%s", s, statusBody)
		}
	}
}

func TestComposeDelayed(t *testing.T) {
	james.Conf.HostnameDomain = xparseDomain(t, "mta.example.com")

	until := time.Now().Add(24 * time.Hour)
	m := Message{
		From:         smtp.Path{Localpart: "postmaster", IPDomain: dns.IPDomain{Domain: xparseDomain(t, "mta.example.com")}},
		To:           smtp.Path{Localpart: "sender", IPDomain: dns.IPDomain{Domain: xparseDomain(t, "remote.example")}},
		Subject:      "mail delivery delayed",
		TextBody:     "delivery delayed\n",
		ReportingMTA: "mta.example.com",
		ArrivalDate:  time.Now(),
		Recipients: []Recipient{
			{
				FinalRecipient: smtp.Path{Localpart: "user", IPDomain: dns.IPDomain{Domain: xparseDomain(t, "other.example")}},
				Action:         Delayed,
				WillRetryUntil: &until,
			},
		},
	}
	data, err := m.Compose(false)
	tcheck(t, err, "compose")
	s := string(data)
	for _, e := range []string{"Action: delayed", "Status: 4.0.0", "Will-Retry-Until: "} {
		if !strings.Contains(s, e) {
			t.Fatalf("composed dsn does not contain %q:\n%s", e, s)
		}
	}
}

func TestCodeLine(t *testing.T) {
	check := func(line, expCode, expRest string) {
		t.Helper()
		code, rest := codeLine(line)
		if code != expCode || rest != expRest {
			t.Fatalf("got %q %q, expected %q %q for %q", code, rest, expCode, expRest, line)
		}
	}
	check("5.1.1", "5.1.1", "")
	check("5.1.1 no such user", "5.1.1", "no such user")
	check("no status", "", "no status")
	check("5.1", "", "5.1")

	if !HasCode("5.1.1 text") || HasCode("bogus") {
		t.Fatalf("bad HasCode")
	}
}
