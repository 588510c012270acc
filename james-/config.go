package james

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/imyousuf/james-sub012/config"
	"github.com/imyousuf/james-sub012/dns"
	"github.com/imyousuf/james-sub012/mlog"
	"github.com/imyousuf/james-sub012/smtp"
)

var xlog = mlog.New("james")

// Conf is the active configuration, set by LoadConfig.
var Conf config.Static

// ConfigStaticPath is the path of the config file, set before LoadConfig.
var ConfigStaticPath string

// Shutdown is canceled when the server is shutting down. Long-running
// operations (delivery attempts, accept loops) should abort when done.
var Shutdown context.Context
var ShutdownCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
}

// MustLoadConfig loads the config file, exiting the process on errors.
func MustLoadConfig() {
	if err := LoadConfig(); err != nil {
		xlog.Fatalx("loading config file", err, mlog.Field("path", ConfigStaticPath))
	}
}

// LoadConfig parses the config file at ConfigStaticPath into Conf, filling
// in derived fields and applying log levels.
func LoadConfig() error {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())

	var c config.Static
	f, err := os.Open(ConfigStaticPath)
	if err != nil {
		return fmt.Errorf("opening config file: %v", err)
	}
	defer f.Close()
	if err := sconf.Parse(f, &c); err != nil {
		return fmt.Errorf("parsing config file: %v", err)
	}
	if err := prepare(&c); err != nil {
		return err
	}

	levels := map[string]mlog.Level{}
	level, ok := mlog.Levels[c.LogLevel]
	if !ok {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	levels[""] = level
	for pkg, s := range c.PackageLogLevels {
		l, ok := mlog.Levels[s]
		if !ok {
			return fmt.Errorf("unknown log level %q for package %q", s, pkg)
		}
		levels[pkg] = l
	}
	mlog.SetConfig(levels)

	Conf = c
	return nil
}

// prepare validates a parsed Static and fills in the derived fields.
func prepare(c *config.Static) error {
	hostname, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		return fmt.Errorf("parsing hostname %q: %v", c.Hostname, err)
	}
	if !strings.Contains(hostname.ASCII, ".") {
		return fmt.Errorf("hostname %q must be fully qualified", c.Hostname)
	}
	c.HostnameDomain = hostname

	if !filepath.IsAbs(c.DataDir) {
		c.DataDir = filepath.Join(filepath.Dir(ConfigStaticPath), c.DataDir)
	}

	if len(c.LocalDomains) == 0 {
		return fmt.Errorf("at least one local domain required")
	}
	for _, s := range c.LocalDomains {
		d, err := dns.ParseDomain(s)
		if err != nil {
			return fmt.Errorf("parsing local domain %q: %v", s, err)
		}
		c.LocalDomainList = append(c.LocalDomainList, d)
	}

	for _, s := range c.AuthorizedNetworks {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return fmt.Errorf("parsing authorized network %q: %v", s, err)
		}
		c.AuthorizedNets = append(c.AuthorizedNets, ipnet)
	}

	if c.SMTP.MaxMessageSize == 0 {
		c.SMTP.MaxMessageSize = config.DefaultMaxMsgSize
	}
	if c.SMTP.MaxRecipients == 0 {
		c.SMTP.MaxRecipients = config.DefaultMaxRecipients
	}
	if c.SMTP.MaxConnections == 0 {
		c.SMTP.MaxConnections = config.DefaultMaxConns
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = config.DefaultQueueWorkers
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = config.DefaultMaxAttempts
	}
	if c.Queue.RetryDelaySec == 0 {
		c.Queue.RetryDelaySec = 7*60 + 30
	}
	if c.Greylist.BlockWindowMinutes == 0 {
		c.Greylist.BlockWindowMinutes = 60
	}
	if c.Greylist.UnseenDays == 0 {
		c.Greylist.UnseenDays = 4
	}
	if c.Greylist.WhitelistDays == 0 {
		c.Greylist.WhitelistDays = 36
	}
	if c.Greylist.WhitelistPasses == 0 {
		c.Greylist.WhitelistPasses = 1
	}
	if c.Postmaster == "" {
		c.Postmaster = "postmaster"
	}
	return nil
}

// IsLocalDomain returns whether mail for d is accepted locally.
func IsLocalDomain(d dns.Domain) bool {
	for _, ld := range Conf.LocalDomainList {
		if ld == d {
			return true
		}
	}
	return false
}

// IsAuthorizedNet returns whether ip is in the configured authorized
// networks, allowed to relay and exempt from the policy gates.
func IsAuthorizedNet(ip net.IP) bool {
	for _, ipnet := range Conf.AuthorizedNets {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// PostmasterAddress returns the address bounces are sent from.
func PostmasterAddress() smtp.Address {
	return smtp.Address{Localpart: smtp.Localpart(Conf.Postmaster), Domain: Conf.LocalDomainList[0]}
}

// DataDirPath returns a path relative to the data dir.
func DataDirPath(elems ...string) string {
	return filepath.Join(append([]string{Conf.DataDir}, elems...)...)
}
