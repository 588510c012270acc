// Package dns parses internationalized domain names (IDNA), canonicalizes
// names and provides a strict DNS resolver with logging.
package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var errTrailingDot = errors.New("dns name has trailing dot")

// Domain is a domain name with at least an ASCII representation, and for
// IDNA non-ASCII domains also a unicode representation. The ASCII form must
// be used for DNS lookups.
type Domain struct {
	// Name with A-labels (xn--...) or plain letters/digits/hyphens, lower case.
	ASCII string

	// Name as U-labels. Empty if the domain is ASCII-only.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// XName is like Name, but only returns a unicode name when utf8 is true.
func (d Domain) XName(utf8 bool) string {
	if utf8 && d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// ASCIIExtra returns the ASCII form if smtputf8 is true and this is a
// unicode name, for adding the punycode name in message header comments.
func (d Domain) ASCIIExtra(smtputf8 bool) string {
	if smtputf8 && d.Unicode != "" {
		return d.ASCII
	}
	return ""
}

// String returns a human-readable string. For IDNA names it contains both
// the unicode and ASCII name.
func (d Domain) String() string {
	return d.LogString()
}

// LogString returns a form of the domain for logging.
func (d Domain) LogString() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a domain name consisting of ASCII-only labels or U
// labels. Names are IDN-canonicalized and lower-cased. Only compare parsed
// domains, never the original strings.
func ParseDomain(s string) (Domain, error) {
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if ascii == unicode {
		return Domain{ascii, ""}, nil
	}
	return Domain{ascii, unicode}, nil
}

// IsNotFound returns whether an error is an adns.DNSError or net.DNSError
// with IsNotFound set: the name does not exist for the requested type (nxdomain or nodata).
// The Go resolver returns an IsNotFound error for both the nxdomain case
// and a success response with zero records, so callers need not check for
// empty lists separately.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var adnsErr *adns.DNSError
	if errors.As(err, &adnsErr) {
		return adnsErr.IsNotFound
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
