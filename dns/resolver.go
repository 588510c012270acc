package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/imyousuf/james-sub012/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

// Resolver is the interface StrictResolver implements. Results include the
// adns.Result with the DNSSEC authentic indication.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, adns.Result, error) // Always returns absolute names, with trailing dot.
	LookupCNAME(ctx context.Context, host string) (string, adns.Result, error)  // NOTE: returns an error if no CNAME record is present.
	LookupHost(ctx context.Context, host string) ([]string, adns.Result, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

// StrictResolver enforces that DNS names to look up end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Subsystem making the requests, used as log pkg.
	Resolver *adns.Resolver // If nil, adns.DefaultResolver is used.
}

var _ Resolver = StrictResolver{}

// ErrRelativeDNSName is returned for lookups of names without a trailing dot.
var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) log() *mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg)
}

// WithPackage returns a copy of the resolver that logs with the given pkg.
func (r StrictResolver) WithPackage(name string) Resolver {
	nr := r
	nr.Pkg = name
	return nr
}

func (r StrictResolver) resolver() Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func (r StrictResolver) LookupAddr(ctx context.Context, addr string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "addr"),
			mlog.Field("addr", addr),
			mlog.Field("resp", resp),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	resp, result, err = r.resolver().LookupAddr(ctx, addr)
	// Addresses from /etc/hosts can come without trailing dot, add it.
	for i, s := range resp {
		if !strings.HasSuffix(s, ".") {
			resp[i] = s + "."
		}
	}
	return
}

// LookupCNAME looks up a CNAME. Unlike "net" LookupCNAME, it returns a "not
// found" error if there is no CNAME record.
func (r StrictResolver) LookupCNAME(ctx context.Context, host string) (resp string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "cname"),
			mlog.Field("host", host),
			mlog.Field("resp", resp),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return "", result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupCNAME(ctx, host)
	if err == nil && resp == host {
		return "", result, &adns.DNSError{
			Err:        "no cname record",
			Name:       host,
			IsNotFound: true,
		}
	}
	return
}

func (r StrictResolver) LookupHost(ctx context.Context, host string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "host"),
			mlog.Field("host", host),
			mlog.Field("resp", resp),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupHost(ctx, host)
	return
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "ip"),
			mlog.Field("network", network),
			mlog.Field("host", host),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIP(ctx, network, host)
	return
}

func (r StrictResolver) LookupIPAddr(ctx context.Context, host string) (resp []net.IPAddr, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "ipaddr"),
			mlog.Field("host", host),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIPAddr(ctx, host)
	return
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) (resp []*net.MX, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "mx"),
			mlog.Field("name", name),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupMX(ctx, name)
	return
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) (resp []string, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			mlog.Field("type", "txt"),
			mlog.Field("name", name),
			mlog.Field("authentic", result.Authentic),
			mlog.Field("duration", time.Since(start)),
		)
	}()

	if !strings.HasSuffix(name, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupTXT(ctx, name)
	return
}
