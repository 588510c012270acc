// Package config holds the configuration file format, parsed with sconf.
package config

import (
	"net"

	"github.com/imyousuf/james-sub012/dns"
)

// DefaultMaxMsgSize is the maximum message size for incoming messages, in
// bytes. Can be overridden in the SMTP listener config.
const DefaultMaxMsgSize = 100 * 1024 * 1024

// Defaults for fields that are zero when absent from the config file.
const (
	DefaultMaxRecipients = 100
	DefaultMaxConns      = 100
	DefaultQueueWorkers  = 4
	DefaultMaxAttempts   = 8
)

// Static is the parsed form of the configuration file. After parsing with
// sconf, Check fills in the derived fields (parsed domains, networks).
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the spool, greylist, virtual user table and user databases are stored. Relative paths are relative to the directory of the config file."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace. Trace logs SMTP protocol transcripts."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. smtpserver, smtpclient, queue, spool, greylist."`
	Hostname         string            `sconf-doc:"Full hostname of this mail server, e.g. mail.example.com. Used in the SMTP greeting, Received headers and bounce messages."`
	HostnameDomain   dns.Domain        `sconf:"-" json:"-"` // Parsed form of Hostname.

	SMTP struct {
		Address             string `sconf-doc:"Address to listen on for incoming SMTP, e.g. :25 or 127.0.0.1:1025."`
		MaxMessageSize      int64  `sconf:"optional" sconf-doc:"Maximum incoming message size in bytes, announced in the EHLO SIZE extension. Default 100MB."`
		MaxRecipients       int    `sconf:"optional" sconf-doc:"Maximum number of recipients per message. A RCPT beyond this limit gets a 452 response. Default 100."`
		MaxConnections      int    `sconf:"optional" sconf-doc:"Maximum number of concurrent incoming connections. Connections beyond the limit are dropped at accept time. Default 100."`
		HelloOptional       bool   `sconf:"optional" sconf-doc:"If set, MAIL is accepted without a preceding HELO/EHLO."`
		VerifyHelloHostname bool   `sconf:"optional" sconf-doc:"If set, the hostname claimed in HELO/EHLO must resolve in DNS. Not applied to clients from authorized networks. Failures get a 501 response."`
		VerifySenderDomain  bool   `sconf:"optional" sconf-doc:"If set, the sender domain in MAIL FROM must have an MX or address record. Not applied to authenticated clients or authorized networks. Failures get a 501 response."`
	} `sconf-doc:"Incoming SMTP listener."`

	LocalDomains    []string     `sconf-doc:"Domains this server accepts mail for. Recipients in other domains require relay permission."`
	LocalDomainList []dns.Domain `sconf:"-" json:"-"`

	AuthorizedNetworks []string     `sconf:"optional" sconf-doc:"CIDR networks of clients that may relay without authenticating, and that skip the HELO/sender verification and greylist gates, e.g. 127.0.0.0/8."`
	AuthorizedNets     []*net.IPNet `sconf:"-" json:"-"`

	Gateway []string `sconf:"optional" sconf-doc:"Smarthosts (host or host:port) to send all outgoing mail through, in order of preference. If empty, mail is delivered directly using MX lookups."`

	Queue struct {
		Workers       int `sconf:"optional" sconf-doc:"Number of delivery workers draining the spool concurrently. Default 4."`
		MaxAttempts   int `sconf:"optional" sconf-doc:"Delivery attempts before a message is returned to the sender with a bounce. Default 8."`
		RetryDelaySec int `sconf:"optional" sconf-doc:"Base delay in seconds before retrying a failed delivery, doubled on each attempt. Default 450 (7.5 minutes)."`
	} `sconf:"optional" sconf-doc:"Outgoing delivery tuning."`

	Greylist struct {
		Enabled            bool `sconf-doc:"Enable greylisting of incoming deliveries from unauthenticated, non-authorized clients."`
		BlockWindowMinutes int  `sconf:"optional" sconf-doc:"Minutes a first-seen (ip, sender, recipient) triplet is temporarily rejected. Default 60."`
		UnseenDays         int  `sconf:"optional" sconf-doc:"Days after which triplets that never completed a retry are purged. Default 4."`
		WhitelistDays      int  `sconf:"optional" sconf-doc:"Days an auto-whitelisted triplet stays whitelisted without being seen. Default 36."`
		WhitelistPasses    int  `sconf:"optional" sconf-doc:"Accepted deliveries after which a triplet is auto-whitelisted and no longer delayed. Default 1."`
	} `sconf:"optional" sconf-doc:"Greylisting, a policy gate on the RCPT command."`

	MetricsAddress string `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on, e.g. 127.0.0.1:8010. Disabled if empty."`

	Postmaster string `sconf:"optional" sconf-doc:"Localpart of the postmaster address at the first local domain. Default postmaster."`
}
