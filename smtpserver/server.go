// Package smtpserver implements the SMTP server for incoming deliveries and
// authenticated relay.
package smtpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"golang.org/x/text/unicode/norm"

	"github.com/imyousuf/james-sub012/config"
	"github.com/imyousuf/james-sub012/dns"
	"github.com/imyousuf/james-sub012/greylist"
	"github.com/imyousuf/james-sub012/james-"
	"github.com/imyousuf/james-sub012/jamesio"
	"github.com/imyousuf/james-sub012/metrics"
	"github.com/imyousuf/james-sub012/mlog"
	"github.com/imyousuf/james-sub012/queue"
	"github.com/imyousuf/james-sub012/ratelimit"
	"github.com/imyousuf/james-sub012/smtp"
	"github.com/imyousuf/james-sub012/spool"
	"github.com/imyousuf/james-sub012/users"
	"github.com/imyousuf/james-sub012/vut"
)

var xlog = mlog.New("smtpserver")

// We use panic and recover for error handling while executing commands.
// These errors signal the connection must be closed.
var errIO = errors.New("io error")

var limiterConnectionRate, limiterConnections *ratelimit.Limiter

func init() {
	// Also called by tests, so they don't trigger the rate limiter.
	limitersInit()
}

func limitersInit() {
	limiterConnectionRate = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Minute,
				Limits: [...]int64{300, 900, 2700},
			},
		},
	}
	limiterConnections = &ratelimit.Limiter{
		WindowLimits: []ratelimit.WindowLimit{
			{
				Window: time.Duration(1) << 62, // All of time.
				Limits: [...]int64{30, 90, 270},
			},
		},
	}
}

// Delays for bad/suspicious behaviour. Zero during tests.
var (
	badClientDelay = time.Second // Before reads and after 1-byte writes for probable spammers.
	authFailDelay  = time.Second // Response to authentication failure.
)

var (
	metricConnection = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "james_smtpserver_connection_total",
			Help: "Incoming SMTP connections.",
		},
	)
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "james_smtpserver_command_duration_seconds",
			Help:    "SMTP server command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"cmd",
			"code",
			"ecode",
		},
	)
)

var (
	userDB *users.DB
	vutDB  *vut.VUT
	greyDB *greylist.DB
)

// Init sets the stores the server checks credentials and recipients
// against. The greylist database may be nil, disabling the greylist gate.
func Init(udb *users.DB, v *vut.VUT, g *greylist.DB) {
	userDB = udb
	vutDB = v
	greyDB = g
}

// Count of connections currently being served, for the hard connection cap.
var connections atomic.Int64

// ListenAndServe starts a network listener on the configured SMTP address
// and serves connections on it in a new goroutine.
func ListenAndServe() (net.Listener, error) {
	ln, err := net.Listen("tcp", james.Conf.SMTP.Address)
	if err != nil {
		return nil, fmt.Errorf("smtp: listen: %v", err)
	}
	xlog.Print("listening for smtp", mlog.Field("address", james.Conf.SMTP.Address))
	go Serve(ln, dns.StrictResolver{Pkg: "smtpserver"})
	return ln, nil
}

// Serve accepts connections on ln until it is closed. Connections beyond the
// configured maximum concurrent connections are dropped at accept time: the
// client never sees a greeting.
func Serve(ln net.Listener, resolver dns.Resolver) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if jamesio.IsClosed(err) {
				return
			}
			xlog.Infox("smtp: accept", err)
			continue
		}

		if connections.Load() >= int64(james.Conf.SMTP.MaxConnections) {
			xlog.Debug("refusing connection, too many open connections", mlog.Field("remote", nc.RemoteAddr()))
			nc.Close()
			continue
		}
		connections.Add(1)
		go func() {
			defer connections.Add(-1)
			serve(james.Cid(), nc, resolver)
		}()
	}
}

type conn struct {
	cid      int64
	conn     net.Conn
	resolver dns.Resolver
	r        *bufio.Reader
	w        *bufio.Writer
	slow     bool // If set, reads are delayed and writes are done 1 byte at a time, to keep spammers busy.
	log      *mlog.Log

	localIP        net.IP
	remoteIP       net.IP
	maxMessageSize int64

	cmd      string    // Current command.
	cmdStart time.Time // Start of current command.
	ncmds    int       // Number of commands processed. Used to abort connection when first incoming command is unknown/invalid.

	// If non-zero, taken into account during Read and Write. Set while
	// processing DATA, we don't want the entire transaction to take too long.
	deadline time.Time

	hello dns.IPDomain // Claimed remote name. Can be an ip address for ehlo.
	ehlo  bool         // If set, we had EHLO instead of HELO.

	authFailed int    // Number of failed auth attempts, for slowing down remotes with many failures.
	username   string // Only when authenticated.

	// We track good/bad message transactions to disconnect spammers trying to
	// guess addresses.
	transactionGood int
	transactionBad  int

	// Message transaction.
	mailFrom    *smtp.Path
	has8bitmime bool // If MAIL FROM parameter BODY=8BITMIME was sent.
	smtputf8    bool
	recipients  []smtp.Path
}

func isClosed(err error) bool {
	return errors.Is(err, errIO) || jamesio.IsClosed(err)
}

// completely reset connection state, as if the greeting has just been sent.
func (c *conn) reset() {
	c.ehlo = false
	c.hello = dns.IPDomain{}
	c.username = ""
	c.rset()
}

// for the rset command, and the other cases that reset the mail transaction state.
func (c *conn) rset() {
	c.mailFrom = nil
	c.has8bitmime = false
	c.smtputf8 = false
	c.recipients = nil
}

func (c *conn) earliestDeadline(d time.Duration) time.Time {
	e := time.Now().Add(d)
	if !c.deadline.IsZero() && c.deadline.Before(e) {
		return c.deadline
	}
	return e
}

// setSlow marks the connection slow (or not), so reads are done with a delay
// and writes are done 1 byte at a time, to try to slow down spammers.
func (c *conn) setSlow(on bool) {
	if on && !c.slow {
		c.log.Debug("connection changed to slow")
	} else if !on && c.slow {
		c.log.Debug("connection restored to regular pace")
	}
	c.slow = on
}

// Write writes to the connection. It panics on i/o errors, which is handled
// by the connection command loop.
func (c *conn) Write(buf []byte) (int, error) {
	chunk := len(buf)
	if c.slow {
		chunk = 1
	}

	// One deadline for the whole write. In case of slow writing, we'll write
	// the last chunk in one go, so remote smtp clients don't abort the
	// connection for being slow.
	deadline := c.earliestDeadline(30 * time.Second)
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.log.Errorx("setting deadline for write", err)
	}

	var n int
	for len(buf) > 0 {
		nn, err := c.conn.Write(buf[:chunk])
		if err != nil {
			panic(fmt.Errorf("write: %s (%w)", err, errIO))
		}
		n += nn
		buf = buf[chunk:]
		if len(buf) > 0 && badClientDelay > 0 {
			james.Sleep(james.Shutdown, badClientDelay)

			// Make sure we don't take too long, otherwise the remote SMTP client
			// may close the connection.
			if time.Until(deadline) < 2*badClientDelay {
				chunk = len(buf)
			}
		}
	}
	return n, nil
}

// Read reads from the connection. It panics on i/o errors, which is handled
// by the connection command loop.
func (c *conn) Read(buf []byte) (int, error) {
	if c.slow && badClientDelay > 0 {
		james.Sleep(james.Shutdown, badClientDelay)
	}

	if err := c.conn.SetDeadline(c.earliestDeadline(30 * time.Second)); err != nil {
		c.log.Errorx("setting deadline for read", err)
	}

	n, err := c.conn.Read(buf)
	if err != nil {
		panic(fmt.Errorf("read: %s (%w)", err, errIO))
	}
	return n, err
}

// Cache of line buffers for reading commands.
var bufpool = jamesio.NewBufpool(8, 2*1024)

func (c *conn) readline() string {
	line, err := bufpool.Readline(c.log, c.r)
	if err != nil && errors.Is(err, jamesio.ErrLineTooLong) {
		c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Other0, "line too long, smtp max is 512, we reached 2048", nil)
		panic(fmt.Errorf("%s (%w)", err, errIO))
	} else if err != nil {
		panic(fmt.Errorf("%s (%w)", err, errIO))
	}
	return line
}

// Buffered-write command response line to connection with codes and msg.
// Err is not sent to remote but is used for logging and can be empty.
func (c *conn) bwritecodeline(code int, secode string, msg string, err error) {
	var ecode string
	if secode != "" {
		ecode = fmt.Sprintf("%d.%s", code/100, secode)
	}
	metricCommands.WithLabelValues(c.cmd, fmt.Sprintf("%d", code), ecode).Observe(time.Since(c.cmdStart).Seconds())
	c.log.Debugx("smtp command result", err,
		mlog.Field("cmd", c.cmd),
		mlog.Field("code", code),
		mlog.Field("ecode", ecode),
		mlog.Field("duration", time.Since(c.cmdStart)))

	var sep string
	if ecode != "" {
		sep = " "
	}

	// Separate by newline and wrap long lines.
	lines := strings.Split(msg, "\n")
	for i, line := range lines {
		var prelen = 3 + 1 + len(ecode) + len(sep)
		for prelen+len(line) > 510 {
			e := 510 - prelen
			for ; e > 400 && line[e] != ' '; e-- {
			}
			c.bwritelinef("%d-%s%s%s", code, ecode, sep, line[:e])
			line = line[e:]
		}
		spdash := " "
		if i < len(lines)-1 {
			spdash = "-"
		}
		c.bwritelinef("%d%s%s%s%s", code, spdash, ecode, sep, line)
	}
}

// Buffered-write a formatted response line to connection.
func (c *conn) bwritelinef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprint(c.w, msg+"\r\n")
}

// Flush pending buffered writes to connection.
func (c *conn) xflush() {
	c.w.Flush() // Errors will have caused a panic in Write.
}

// Write (with flush) a response line with codes and message. Err is not
// written, used for logging and can be nil.
func (c *conn) writecodeline(code int, secode string, msg string, err error) {
	c.bwritecodeline(code, secode, msg, err)
	c.xflush()
}

// Write (with flush) a formatted response line to connection.
func (c *conn) writelinef(format string, args ...any) {
	c.bwritelinef(format, args...)
	c.xflush()
}

var cleanClose struct{} // Sentinel value for panic/recover indicating clean close of connection.

func serve(cid int64, nc net.Conn, resolver dns.Resolver) {
	var localIP, remoteIP net.IP
	if a, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		localIP = a.IP
	} else {
		// For net.Pipe, during tests.
		localIP = net.ParseIP("127.0.0.10")
	}
	if a, ok := nc.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = a.IP
	} else {
		remoteIP = net.ParseIP("127.0.0.10")
	}

	c := &conn{
		cid:            cid,
		conn:           nc,
		resolver:       resolver,
		localIP:        localIP,
		remoteIP:       remoteIP,
		maxMessageSize: james.Conf.SMTP.MaxMessageSize,
	}
	c.log = xlog.WithCid(cid)
	c.r = bufio.NewReader(c)
	c.w = bufio.NewWriter(c)

	metricConnection.Inc()
	c.log.Info("new connection",
		mlog.Field("remote", nc.RemoteAddr()),
		mlog.Field("local", nc.LocalAddr()))

	defer func() {
		c.conn.Close()

		x := recover()
		if x == nil || x == cleanClose {
			c.log.Info("connection closed")
		} else if err, ok := x.(error); ok && isClosed(err) {
			c.log.Infox("connection closed", err)
		} else {
			c.log.Error("unhandled panic", mlog.Field("err", x))
			debug.PrintStack()
			metrics.PanicInc("smtpserver")
		}
	}()

	c.cmd = "(greeting)"
	c.cmdStart = time.Now()

	select {
	case <-james.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		return
	default:
	}

	if !limiterConnectionRate.Add(c.remoteIP, time.Now(), 1) {
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "connection rate from your ip or network too high, slow down please", nil)
		return
	}

	if !limiterConnections.Add(c.remoteIP, time.Now(), 1) {
		c.log.Debug("refusing connection due to many open connections", mlog.Field("remote", c.remoteIP))
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many open connections from your ip or network", nil)
		return
	}
	defer limiterConnections.Add(c.remoteIP, time.Now(), -1)

	// We include the string ESMTP, remote SMTP health checks tend to expect it.
	c.writelinef("%d %s ESMTP ready", smtp.C220ServiceReady, james.Conf.HostnameDomain.ASCII)

	for {
		command(c)

		// If another command is present, don't flush our buffered response yet.
		// Holding off will cause us to respond with a single packet.
		n := c.r.Buffered()
		if n > 0 {
			buf, err := c.r.Peek(n)
			if err == nil && bytes.IndexByte(buf, '\n') >= 0 {
				continue
			}
		}
		c.xflush()
	}
}

var commands = map[string]func(c *conn, p *parser){
	"helo": (*conn).cmdHelo,
	"ehlo": (*conn).cmdEhlo,
	"auth": (*conn).cmdAuth,
	"mail": (*conn).cmdMail,
	"rcpt": (*conn).cmdRcpt,
	"data": (*conn).cmdData,
	"rset": (*conn).cmdRset,
	"vrfy": (*conn).cmdVrfy,
	"expn": (*conn).cmdExpn,
	"help": (*conn).cmdHelp,
	"noop": (*conn).cmdNoop,
	"quit": (*conn).cmdQuit,
}

func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}

		if isClosed(err) {
			panic(err)
		}

		var serr smtpError
		if errors.As(err, &serr) {
			c.writecodeline(serr.code, serr.secode, serr.errmsg, serr.err)
			if serr.printStack {
				debug.PrintStack()
			}
		} else {
			// Other type of panic, we pass it on, aborting the connection.
			c.log.Errorx("command panic", err)
			panic(err)
		}
	}()

	line := c.readline()
	t := strings.SplitN(line, " ", 2)
	var args string
	if len(t) == 2 {
		args = " " + t[1]
	}
	cmd := t[0]
	cmdl := strings.ToLower(cmd)

	select {
	case <-james.Shutdown.Done():
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SeSys3NotAccepting2, "shutting down", nil)
		panic(errIO)
	default:
	}

	c.cmd = cmdl
	c.cmdStart = time.Now()

	p := newParser(args, c.smtputf8, c)
	fn, ok := commands[cmdl]
	if !ok {
		c.cmd = "(unknown)"
		if c.ncmds == 0 {
			// Other side is likely speaking something else than SMTP, send error
			// message and stop processing because there is a good chance whatever
			// they sent has multiple lines.
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "please try again speaking smtp", nil)
			panic(errIO)
		}
		xsmtpUserErrorf(smtp.C500BadSyntax, smtp.SeProto5BadCmdOrSeq1, "unknown command")
	}
	c.ncmds++
	fn(c, p)
}

func (c *conn) xneedHello() {
	if c.hello.IsZero() && !james.Conf.SMTP.HelloOptional {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "no ehlo/helo yet")
	}
}

func (c *conn) cmdHelo(p *parser) {
	c.cmdHello(p, false)
}

func (c *conn) cmdEhlo(p *parser) {
	c.cmdHello(p, true)
}

func (c *conn) cmdHello(p *parser, ehlo bool) {
	p.xspace()
	var remote dns.IPDomain
	if ehlo {
		remote = p.xipdomain()
	} else {
		remote = dns.IPDomain{Domain: p.xdomain()}
	}
	// We allow additional text after an address literal, but only if
	// space-separated.
	if len(remote.IP) > 0 && p.space() {
		p.remainder()
	}
	p.xend()

	if james.Conf.SMTP.VerifyHelloHostname && remote.IsDomain() && !james.IsAuthorizedNet(c.remoteIP) {
		// The claimed name must have an address record.
		ctx, cancel := context.WithTimeout(james.Shutdown, time.Minute)
		_, _, err := c.resolver.LookupIPAddr(ctx, remote.Domain.ASCII+".")
		cancel()
		if dns.IsNotFound(err) {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "your hello domain does not resolve to an IP address")
		}
		// For success or temporary resolve errors, we'll just continue.
	}

	// Reset state as if an RSET command has been issued.
	c.rset()

	c.ehlo = ehlo
	c.hello = remote

	if !ehlo {
		c.bwritecodeline(smtp.C250Completed, "", james.Conf.HostnameDomain.ASCII, nil)
		return
	}

	c.bwritelinef("250-%s", james.Conf.HostnameDomain.ASCII)
	c.bwritelinef("250-PIPELINING")
	c.bwritelinef("250-SIZE %d", c.maxMessageSize)
	c.bwritelinef("250-ENHANCEDSTATUSCODES")
	c.bwritelinef("250-8BITMIME")
	c.bwritelinef("250-AUTH PLAIN LOGIN")
	c.bwritecodeline(smtp.C250Completed, "", "SMTPUTF8", nil)
}

func (c *conn) cmdAuth(p *parser) {
	c.xneedHello()

	if c.username != "" {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already authenticated")
	}
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "authentication not allowed during mail transaction")
	}

	// For many failed auth attempts, slow down verification attempts.
	if c.authFailed > 3 && authFailDelay > 0 {
		james.Sleep(james.Shutdown, time.Duration(c.authFailed-3)*authFailDelay)
	}
	c.authFailed++ // Compensated on success.
	defer func() {
		// On the 3rd failed authentication, start responding slowly. Successful
		// auth will cause fast responses again.
		if c.authFailed >= 3 {
			c.setSlow(true)
		}
	}()

	p.xspace()
	mech := p.xsaslMech()

	// Read the first parameter, either as initial parameter or by sending a
	// continuation with the optional encChal (must already be base64-encoded).
	xreadInitial := func(encChal string) []byte {
		var auth string
		if p.empty() {
			c.writelinef("%d %s", smtp.C334ContinueAuth, encChal)
			auth = c.readline()
			if auth == "*" {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
			}
		} else {
			p.xspace()
			auth = p.remainder()
			if auth == "" {
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "missing initial auth base64 parameter after space")
			} else if auth == "=" {
				auth = "" // Base64 decode below will result in empty buffer.
			}
		}
		buf, err := base64.StdEncoding.DecodeString(auth)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	xreadContinuation := func() []byte {
		line := c.readline()
		if line == "*" {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Other0, "authentication aborted")
		}
		buf, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5Syntax2, "invalid base64: %s", err)
		}
		return buf
	}

	xverify := func(username, password string) {
		ctx, cancel := context.WithTimeout(james.Shutdown, 15*time.Second)
		defer cancel()
		_, err := userDB.Verify(ctx, username, password)
		if err != nil && (errors.Is(err, users.ErrUnknown) || errors.Is(err, users.ErrCredentials)) {
			c.log.Info("failed authentication attempt", mlog.Field("username", username), mlog.Field("remote", c.remoteIP))
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "bad user/pass")
		}
		xcheckf(err, "verifying credentials")

		c.authFailed = 0
		c.setSlow(false)
		c.username = username
	}

	switch mech {
	case "PLAIN":
		buf := xreadInitial("")
		plain := bytes.Split(buf, []byte{0})
		if len(plain) != 3 {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "auth data should have 3 nul-separated tokens, got %d", len(plain))
		}
		authz := norm.NFC.String(string(plain[0]))
		authc := norm.NFC.String(string(plain[1]))
		password := string(plain[2])

		if authz != "" && authz != authc {
			xsmtpUserErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthBadCreds8, "cannot assume other role")
		}

		xverify(authc, password)
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "nice", nil)

	case "LOGIN":
		// Obsoleted in favor of PLAIN, only implemented to support legacy clients.
		encChal := base64.StdEncoding.EncodeToString([]byte("User Name"))
		username := norm.NFC.String(string(xreadInitial(encChal)))

		c.writelinef("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte("Password")))
		password := string(xreadContinuation())

		xverify(username, password)
		c.writecodeline(smtp.C235AuthSuccess, smtp.SePol7Other0, "hello ancient smtp implementation", nil)

	default:
		xsmtpUserErrorf(smtp.C504ParamNotImpl, smtp.SeProto5BadParams4, "mechanism %s not supported", mech)
	}
}

func (c *conn) cmdMail(p *parser) {
	if c.transactionBad > 10 && c.transactionGood == 0 {
		// If we get many bad transactions, it's probably a spammer that is
		// guessing user names. Useful in combination with rate limiting.
		c.writecodeline(smtp.C550MailboxUnavail, smtp.SeAddr1Other0, "too many failures", nil)
		panic(errIO)
	}

	c.xneedHello()
	if c.mailFrom != nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "already have MAIL")
	}
	// Ensure clear transaction state on failure.
	defer func() {
		x := recover()
		if x != nil {
			c.rset()
			panic(x)
		}
	}()

	p.xtake(" FROM:")
	// note: no space allowed after the colon, but it is commonly sent, by
	// legitimate senders too.
	p.space()
	rawRevPath := p.xrawReversePath()
	paramSeen := map[string]bool{}
	for p.space() {
		key := p.xparamKeyword()

		K := strings.ToUpper(key)
		if paramSeen[K] {
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "duplicate param %q", key)
		}
		paramSeen[K] = true

		switch K {
		case "SIZE":
			p.xtake("=")
			size := p.xnumber(20)
			if size > c.maxMessageSize {
				ecode := smtp.SeSys3MsgLimitExceeded4
				if size < config.DefaultMaxMsgSize {
					ecode = smtp.SeMailbox2MsgLimitExceeded3
				}
				xsmtpUserErrorf(smtp.C552MailboxFull, ecode, "message too large")
			}
			// We won't verify the message is exactly the size the remote claims.
			// But if it is larger, we'll abort the transaction when remote crosses
			// the boundary.
		case "BODY":
			p.xtake("=")
			v := p.xparamValue()
			switch strings.ToUpper(v) {
			case "7BIT":
				c.has8bitmime = false
			case "8BITMIME":
				c.has8bitmime = true
			default:
				xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeProto5BadParams4, "unrecognized parameter %q", key)
			}
		case "SMTPUTF8":
			c.smtputf8 = true
		default:
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeSys3NotSupported3, "unrecognized parameter %q", key)
		}
	}

	// We now know if we have to parse the address with support for utf8.
	pp := newParser(rawRevPath, c.smtputf8, c)
	rpath := pp.xbareReversePath()
	pp.xempty()
	p.xend()

	if len(rpath.IPDomain.IP) > 0 {
		c.log.Info("delivery from address without domain", mlog.Field("mailfrom", rpath.String()))
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7Other0, "domain name required")
	}

	if james.Conf.SMTP.VerifySenderDomain && !rpath.IsZero() && c.username == "" && !james.IsAuthorizedNet(c.remoteIP) {
		// The sender domain must have an MX or address record. Not applied to
		// null reverse-paths, bounces are always welcome.
		ctx, cancel := context.WithTimeout(james.Shutdown, time.Minute)
		valid, err := senderDomainAccepts(ctx, c.resolver, rpath.IPDomain.Domain)
		cancel()
		if err != nil {
			c.log.Infox("temporary reject for dns lookup error for mailfrom domain", err)
			xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeNet4Other0}, "cannot verify records for mailfrom domain")
		} else if !valid {
			c.log.Info("reject because mailfrom domain does not resolve", mlog.Field("domain", rpath.IPDomain.Domain))
			xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeAddr1SenderSyntax7, "mailfrom domain not configured for mail")
		}
	}

	c.mailFrom = &rpath

	c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "looking good", nil)
}

// senderDomainAccepts returns whether d has an MX record, or no MX but an
// address record. A single null MX record "." means the domain explicitly
// does not send or accept mail.
func senderDomainAccepts(ctx context.Context, resolver dns.Resolver, d dns.Domain) (bool, error) {
	if d.IsZero() {
		return false, nil
	}
	mxl, _, err := resolver.LookupMX(ctx, d.ASCII+".")
	if err == nil && len(mxl) > 0 {
		if len(mxl) == 1 && mxl[0].Host == "." {
			return false, nil
		}
		return true, nil
	}
	if err != nil && !dns.IsNotFound(err) {
		return false, err
	}
	_, _, err = resolver.LookupIPAddr(ctx, d.ASCII+".")
	if err == nil {
		return true, nil
	}
	if dns.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *conn) cmdRcpt(p *parser) {
	c.xneedHello()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}

	p.xtake(" TO:")
	// note: no space allowed after the colon, but it is commonly sent.
	p.space()
	var fpath smtp.Path
	var isPostmaster bool
	if p.take("<POSTMASTER>") {
		// Always accepted, even when no postmaster account or mapping exists.
		fpath = smtp.Path{Localpart: smtp.Localpart(james.Conf.Postmaster), IPDomain: dns.IPDomain{Domain: james.Conf.LocalDomainList[0]}}
		isPostmaster = true
	} else {
		fpath = p.xforwardPath()
	}
	for p.space() {
		key := p.xparamKeyword()
		xsmtpUserErrorf(smtp.C501BadParamSyntax, smtp.SeSys3NotSupported3, "unrecognized parameter %q", key)
	}
	p.xend()

	if len(c.recipients) >= james.Conf.SMTP.MaxRecipients {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "max of %d recipients reached", james.Conf.SMTP.MaxRecipients)
	}

	// Null reverse path is intended for delivery notifications, they should
	// go to a single recipient.
	if len(c.recipients) > 0 && c.mailFrom.IsZero() {
		xsmtpUserErrorf(smtp.C452StorageFull, smtp.SeProto5TooManyRcpts3, "only one recipient allowed with null reverse address")
	}

	if len(fpath.IPDomain.IP) > 0 {
		xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "not accepting email for ip")
	}

	ctx, cancel := context.WithTimeout(james.Shutdown, 15*time.Second)
	defer cancel()

	// Relay and locality are evaluated per recipient, different recipients
	// can resolve to different localities on the same envelope.
	authorizedNet := james.IsAuthorizedNet(c.remoteIP)
	if !james.IsLocalDomain(fpath.IPDomain.Domain) {
		if c.username == "" && !authorizedNet {
			if c.mailFrom.IsZero() {
				// A bounce has no business being relayed, authenticating would not
				// make it acceptable.
				xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7DeliveryUnauth1, "relaying denied")
			}
			xsmtpUserErrorf(smtp.C530SecurityRequired, smtp.SePol7DeliveryUnauth1, "authentication required for relaying")
		}
	} else if !isPostmaster {
		addr := smtp.NewAddress(fpath.Localpart, fpath.IPDomain.Domain)
		exists, err := userDB.Exists(ctx, addr)
		xcheckf(err, "checking user store")
		if !exists {
			_, err := vutDB.Resolve(ctx, addr)
			var merr *vut.MappingError
			if errors.As(err, &merr) {
				xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SePol7Other0, "%s", merr.Message)
			} else if errors.Is(err, vut.ErrNoMapping) {
				xsmtpUserErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")
			} else if errors.Is(err, vut.ErrLoop) {
				c.log.Errorx("cyclic virtual user mapping", err, mlog.Field("address", addr))
				xsmtpServerErrorf(codes{smtp.C451LocalErr, smtp.SeSys3Other0}, "error processing")
			}
			xcheckf(err, "resolving virtual user mapping")
		}
	}

	// Greylist gate, not applied to authenticated or authorized clients.
	if greyDB != nil && james.Conf.Greylist.Enabled && c.username == "" && !authorizedNet {
		pass, err := greyDB.Check(ctx, c.remoteIP, c.mailFrom.XString(true), fpath.XString(true), time.Now())
		xcheckf(err, "greylist check")
		if !pass {
			xsmtpUserErrorf(smtp.C451LocalErr, smtp.SePol7Other0, "greylisted, please try again later")
		}
	}

	c.recipients = append(c.recipients, fpath)

	c.bwritecodeline(smtp.C250Completed, smtp.SeAddr1Other0, "now on the list", nil)
}

func (c *conn) cmdData(p *parser) {
	c.xneedHello()
	if c.mailFrom == nil {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing MAIL FROM")
	}
	if len(c.recipients) == 0 {
		xsmtpUserErrorf(smtp.C503BadCmdSeq, smtp.SeProto5BadCmdOrSeq1, "missing RCPT TO")
	}
	p.xend()

	// The entire transaction must be done within 30 minutes, or we abort.
	// The deadline is taken into account by Read and Write.
	c.deadline = time.Now().Add(30 * time.Minute)
	defer func() {
		c.deadline = time.Time{}
	}()

	c.writelinef("%d see you at the bare dot", smtp.C354Continue)

	// We read the dot-unstuffed message into memory, through the size limit.
	dr := smtp.NewDataReader(c.r)
	var data bytes.Buffer
	_, err := io.Copy(&data, &jamesio.LimitReader{R: dr, Limit: c.maxMessageSize})
	if err != nil {
		if errors.Is(err, jamesio.ErrLimit) {
			c.writecodeline(smtp.C552MailboxFull, smtp.SeSys3MsgLimitExceeded4, "message too large", err)
			panic(fmt.Errorf("remote sent too much DATA: %w", errIO))
		}

		if errors.Is(err, smtp.ErrCRLF) {
			c.writecodeline(smtp.C500BadSyntax, smtp.SeProto5Syntax2, "invalid bare \\r or \\n, may be smtp smuggling", err)
			return
		}

		// Something is failing on our side. We want to let remote know, then
		// discard the remaining data so the remote client is more likely to see
		// our response.
		c.writecodeline(smtp.C451LocalErr, smtp.SeSys3Other0, "error copying data", err)
		io.Copy(io.Discard, dr)
		return
	}

	// Assume the transaction does not succeed. If it does, we'll compensate.
	c.transactionBad++

	rcpts := make([]string, len(c.recipients))
	for i, rcpt := range c.recipients {
		rcpts[i] = rcpt.XString(c.smtputf8)
	}
	m := spool.Message{
		Name:       fmt.Sprintf("m%d", james.Cid()),
		Sender:     c.mailFrom.XString(c.smtputf8),
		Recipients: rcpts,
		State:      spool.StateDefault,
		RemoteHost: c.hello.XString(false),
		RemoteAddr: c.remoteIP.String(),
		Content:    append(c.receivedHeader(), data.Bytes()...),
	}

	// Queueing must not be cut short by a shutdown, the remote gets a
	// positive response and will not send the message again.
	err = queue.Add(context.Background(), c.log, &m)
	xcheckf(err, "queueing message")

	c.transactionGood++
	c.transactionBad--

	c.log.Info("message queued",
		mlog.Field("name", m.Name),
		mlog.Field("sender", c.mailFrom.LogString()),
		mlog.Field("recipients", len(rcpts)),
		mlog.Field("size", data.Len()))

	// A new MAIL/RCPT cycle can start on this connection, the hello and
	// authentication state persist.
	c.rset()
	c.writecodeline(smtp.C250Completed, smtp.SeOther00, "message queued", nil)
}

// Date format in Received headers, RFC 5322 with 4-digit year.
const rfc5322Z = "2 Jan 2006 15:04:05 -0700"

func (c *conn) receivedHeader() []byte {
	var recvFrom string
	if len(c.hello.IP) > 0 {
		recvFrom = smtp.AddressLiteral(c.hello.IP)
	} else if !c.hello.Domain.IsZero() {
		recvFrom = c.hello.Domain.XName(c.smtputf8)
	} else {
		recvFrom = "unknown"
	}
	recvFrom += " (" + smtp.AddressLiteral(c.remoteIP) + ")"
	recvBy := james.Conf.HostnameDomain.ASCII + " (" + smtp.AddressLiteral(c.localIP) + ")"

	with := "SMTP"
	if c.smtputf8 {
		with = "UTF8SMTP"
	} else if c.ehlo {
		with = "ESMTP"
	}
	if c.username != "" {
		with += "A"
	}

	s := fmt.Sprintf("Received: from %s by %s via tcp with %s id %d; %s\r\n", recvFrom, recvBy, with, c.cid, time.Now().Format(rfc5322Z))
	return []byte(s)
}

func (c *conn) cmdRset(p *parser) {
	p.xend()

	c.rset()
	c.bwritecodeline(smtp.C250Completed, smtp.SeOther00, "all clear", nil)
}

func (c *conn) cmdVrfy(p *parser) {
	// No EHLO/HELO needed.
	p.xspace()
	p.xstring()
	if p.space() {
		p.xtake("SMTPUTF8")
	}
	p.xend()

	xsmtpUserErrorf(smtp.C252WithoutVrfy, smtp.SePol7Other0, "no verify but will try delivery")
}

func (c *conn) cmdExpn(p *parser) {
	// No EHLO/HELO needed.
	p.xspace()
	p.xstring()
	if p.space() {
		p.xtake("SMTPUTF8")
	}
	p.xend()

	xsmtpUserErrorf(smtp.C252WithoutVrfy, smtp.SePol7Other0, "no expand but will try delivery")
}

func (c *conn) cmdHelp(p *parser) {
	// Let's not strictly parse the request for help. We are ignoring the text anyway.
	c.bwritecodeline(smtp.C214Help, smtp.SeOther00, "see rfc 5321 (smtp)", nil)
}

func (c *conn) cmdNoop(p *parser) {
	// If an argument follows, it must adhere to the string ABNF production.
	if p.space() {
		p.xstring()
	}
	p.xend()

	c.bwritecodeline(smtp.C250Completed, smtp.SeOther00, "alrighty", nil)
}

func (c *conn) cmdQuit(p *parser) {
	p.xend()

	c.writecodeline(smtp.C221Closing, smtp.SeOther00, "okay thanks bye", nil)
	panic(cleanClose)
}
