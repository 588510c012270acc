// Package queue is the store-and-forward delivery engine, draining the spool
// and delivering messages to remote SMTP servers.
//
// Add splits an incoming envelope into one derived envelope per destination
// host (unless a gateway is configured) and stores them in the spool. Worker
// goroutines accept spool entries under an exclusive lease and attempt
// delivery: resolve candidate hosts (gateway list or MX lookup), walk them in
// order, and classify the outcome. Temporary failures put the envelope back
// in error state for a later retry. Permanent failures, including exhausted
// retries, result in a DSN to the original sender and removal from the spool.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/imyousuf/james-sub012/dns"
	"github.com/imyousuf/james-sub012/dsn"
	"github.com/imyousuf/james-sub012/james-"
	"github.com/imyousuf/james-sub012/metrics"
	"github.com/imyousuf/james-sub012/mlog"
	"github.com/imyousuf/james-sub012/smtp"
	"github.com/imyousuf/james-sub012/smtpclient"
	"github.com/imyousuf/james-sub012/spool"
)

var xlog = mlog.New("queue")

var jitter = james.NewRand()

var (
	metricDelivery = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "james_queue_delivery_duration_seconds",
			Help:    "SMTP client delivery attempt to single host.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt", // Number of attempts for the envelope, starting with 1.
			"result",  // ok, okpartial, timeout, canceled, temperror, permerror, error.
		},
	)
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "james_queue_connection_total",
			Help: "Outgoing SMTP connections, with result.",
		},
		[]string{
			"result", // ok, error
		},
	)
	metricDSN = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "james_queue_dsn_total",
			Help: "DSN messages queued for failed deliveries.",
		},
	)
)

var spl *spool.Spool

// Init sets the spool backing the queue. Must be called before Add or Start.
func Init(s *spool.Spool) {
	spl = s
}

// Add makes a received envelope eligible for delivery, the handoff from the
// SMTP server after a completed DATA.
//
// Without a configured gateway, recipients are grouped by destination host
// (case-insensitively) and one derived envelope per host is stored, named
// after the original with the host appended. The original is kept in the
// terminal ghost state so it is visible for inspection but never processed.
// With a gateway, all mail goes through the same hosts and the envelope is
// stored unaltered.
func Add(ctx context.Context, log *mlog.Log, m *spool.Message) error {
	if len(m.Recipients) == 0 {
		return fmt.Errorf("envelope %q without recipients", m.Name)
	}

	if len(james.Conf.Gateway) > 0 {
		m.State = spool.StateDefault
		if err := spl.Store(ctx, m); err != nil {
			return err
		}
		log.Debug("envelope queued for gateway delivery", mlog.Field("name", m.Name), mlog.Field("recipients", len(m.Recipients)))
		return nil
	}

	hosts := map[string][]string{}
	var order []string
	for _, rcpt := range m.Recipients {
		host := recipientHost(rcpt)
		if _, ok := hosts[host]; !ok {
			order = append(order, host)
		}
		hosts[host] = append(hosts[host], rcpt)
	}

	for _, host := range order {
		dm := *m
		dm.ID = 0
		dm.Name = m.Name + "-to-" + host
		dm.Recipients = hosts[host]
		dm.State = spool.StateDefault
		if err := spl.Store(ctx, &dm); err != nil {
			return err
		}
		log.Debug("envelope queued", mlog.Field("name", dm.Name), mlog.Field("host", host), mlog.Field("recipients", len(dm.Recipients)))
	}

	m.State = spool.StateGhost
	return spl.Store(ctx, m)
}

// recipientHost returns the lowercased destination host of an address.
func recipientHost(rcpt string) string {
	addr, err := smtp.ParseAddress(rcpt)
	if err != nil {
		// Should not happen, the SMTP server parsed the address at RCPT time.
		if i := strings.LastIndex(rcpt, "@"); i >= 0 {
			return strings.ToLower(rcpt[i+1:])
		}
		return strings.ToLower(rcpt)
	}
	return addr.Domain.ASCII
}

// Start launches n delivery workers draining the spool, resolving remote
// hosts through resolver. Workers stop when the shutdown context is canceled
// or the spool is closed.
func Start(resolver dns.Resolver, n int) {
	for i := 0; i < n; i++ {
		go worker(resolver)
	}
}

func worker(resolver dns.Resolver) {
	delay := time.Duration(james.Conf.Queue.RetryDelaySec) * time.Second
	for {
		name, err := spl.Accept(james.Shutdown, delay)
		if err != nil {
			if err != spool.ErrSpoolClosed && !errors.Is(err, context.Canceled) {
				xlog.Errorx("accepting next envelope from spool", err)
			}
			return
		}
		process(resolver, name)
	}
}

// process delivers the leased envelope, releasing the lease through Store or
// Remove. An unexpected panic removes the entry so it cannot poison the queue
// by being retried forever.
func process(resolver dns.Resolver, name string) {
	log := xlog.WithCid(james.Cid())

	defer func() {
		x := recover()
		if x != nil {
			log.Error("delivery panic, removing envelope", mlog.Field("name", name), mlog.Field("panic", x))
			debug.PrintStack()
			metrics.PanicInc("queue")
			if err := spl.Remove(context.Background(), name); err != nil {
				log.Errorx("removing envelope after delivery panic", err, mlog.Field("name", name))
			}
		}
	}()

	m, err := spl.Retrieve(context.Background(), name)
	if err != nil {
		panic(fmt.Errorf("retrieving envelope %q: %v", name, err))
	}
	if m == nil {
		// Already handled concurrently. Remove releases our lease and is a
		// no-op for the absent entry.
		if err := spl.Remove(context.Background(), name); err != nil {
			log.Errorx("releasing lease for vanished envelope", err, mlog.Field("name", name))
		}
		return
	}

	deliver(log, resolver, m)
}

// candidate is a remote server to attempt delivery to.
type candidate struct {
	host dns.IPDomain
	port int
}

// deliver attempts one delivery of m, walking the candidate hosts in strict
// preference order. A connection-level failure advances to the next candidate
// without consuming a retry. Once a remote has accepted the message for any
// recipient, no further candidates are tried.
func deliver(log *mlog.Log, resolver dns.Resolver, m *spool.Message) {
	qlog := log.Fields(mlog.Field("name", m.Name), mlog.Field("sender", m.Sender), mlog.Field("attempt", m.ErrorCount+1))
	qlog.Debug("attempting delivery", mlog.Field("recipients", len(m.Recipients)))

	cands, permanent, err := gatherCandidates(james.Shutdown, qlog, resolver, m)
	if err != nil {
		fail(qlog, m, dsn.NameIP{}, permanent, err)
		return
	}

	var lastErr error
	var lastMTA dsn.NameIP
	for _, cand := range cands {
		res := deliverHost(james.Shutdown, qlog, resolver, m, cand)
		if !res.connected {
			metricConnection.WithLabelValues("error").Inc()
			qlog.Debugx("connecting to host for delivery", res.err, mlog.Field("host", cand.host.LogString()))
			lastErr = res.err
			continue
		}
		metricConnection.WithLabelValues("ok").Inc()
		if res.err != nil {
			// Protocol failure without any accepted recipient. The remote
			// state is clean, the next candidate may be tried.
			qlog.Debugx("delivery to host failed", res.err, mlog.Field("host", cand.host.LogString()))
			lastErr = res.err
			lastMTA = res.remoteMTA
			continue
		}
		finish(qlog, m, res)
		return
	}

	// No candidate settled the envelope, the last error classifies it.
	var cerr smtpclient.Error
	permanent = errors.As(lastErr, &cerr) && cerr.Permanent
	fail(qlog, m, lastMTA, permanent, lastErr)
}

// gatherCandidates resolves the servers to attempt delivery to: the
// configured gateway list, or the MX targets of the destination host. All
// recipients of a derived envelope share their destination host.
func gatherCandidates(ctx context.Context, log *mlog.Log, resolver dns.Resolver, m *spool.Message) ([]candidate, bool, error) {
	if len(james.Conf.Gateway) > 0 {
		var l []candidate
		for _, s := range james.Conf.Gateway {
			host := s
			port := 25
			if h, p, err := net.SplitHostPort(s); err == nil {
				v, err := strconv.Atoi(p)
				if err != nil || v <= 0 || v > 65535 {
					return nil, true, fmt.Errorf("invalid port in gateway %q", s)
				}
				host, port = h, v
			}
			if ip := net.ParseIP(host); ip != nil {
				l = append(l, candidate{dns.IPDomain{IP: ip}, port})
				continue
			}
			d, err := dns.ParseDomain(host)
			if err != nil {
				return nil, true, fmt.Errorf("parsing gateway %q: %v", s, err)
			}
			l = append(l, candidate{dns.IPDomain{Domain: d}, port})
		}
		return l, false, nil
	}

	addr, err := smtp.ParseAddress(m.Recipients[0])
	if err != nil {
		return nil, true, fmt.Errorf("parsing recipient address %q: %v", m.Recipients[0], err)
	}
	_, _, hosts, permanent, err := smtpclient.GatherDestinations(ctx, log, resolver, dns.IPDomain{Domain: addr.Domain})
	if err != nil {
		return nil, permanent, err
	}
	if len(hosts) == 0 {
		return nil, true, fmt.Errorf("no delivery candidates for domain %s", addr.Domain.ASCII)
	}
	l := make([]candidate, len(hosts))
	for i, h := range hosts {
		l[i] = candidate{h, 25}
	}
	return l, false, nil
}

// hostResult is the outcome of a delivery attempt to a single host.
type hostResult struct {
	connected bool                  // Remote was reached and the SMTP dialog started.
	accepted  int                   // Recipients the remote took responsibility for.
	resps     []smtpclient.Response // Per recipient, in order, when the transaction ran.
	remoteMTA dsn.NameIP
	err       error
}

func deliverHost(ctx context.Context, log *mlog.Log, resolver dns.Resolver, m *spool.Message, cand candidate) hostResult {
	start := time.Now()
	var res hostResult

	dialedIPs := map[string][]net.IP{}
	ips, _, err := smtpclient.GatherIPs(ctx, log, resolver, cand.host, dialedIPs)
	if err != nil {
		res.err = err
		return res
	}

	dialctx, dialcancel := context.WithTimeout(ctx, 30*time.Second)
	conn, ip, err := smtpclient.Dial(dialctx, log, &net.Dialer{}, cand.host, ips, cand.port, dialedIPs)
	dialcancel()
	if err != nil {
		res.err = err
		return res
	}
	res.connected = true
	res.remoteMTA = dsn.NameIP{Name: cand.host.XString(false), IP: ip}

	defer func() {
		result := deliveryResult(res.err, res.accepted, len(m.Recipients)-res.accepted)
		metricDelivery.WithLabelValues(fmt.Sprintf("%d", m.ErrorCount+1), result).Observe(time.Since(start).Seconds())
	}()

	// Bound the whole SMTP transaction, reading and writing has its own
	// shorter timeouts.
	clientctx, clientcancel := context.WithTimeout(ctx, 30*time.Minute)
	defer clientcancel()

	client, err := smtpclient.New(clientctx, james.Cid(), conn, james.Conf.HostnameDomain)
	if err != nil {
		conn.Close()
		res.err = err
		return res
	}
	resps, err := client.DeliverMultiple(clientctx, m.Sender, m.Recipients, int64(len(m.Content)), bytes.NewReader(m.Content), false, false)
	if cerr := client.Close(); cerr != nil {
		log.Debugx("closing smtp client after delivery", cerr, mlog.Field("host", cand.host.LogString()))
	}
	res.resps = resps
	res.err = err
	if err == nil {
		for _, r := range resps {
			if r.Code == smtp.C250Completed {
				res.accepted++
			}
		}
	}
	return res
}

// finish handles a transaction in which the remote accepted the message for
// at least one recipient. Rejected recipients are split into a permanent
// subset, bounced immediately, and a temporary subset that is re-queued on
// its own. The remote's state is no longer clean, so no other candidate
// hosts are tried for the rejected recipients.
func finish(qlog *mlog.Log, m *spool.Message, res hostResult) {
	var permRcpts, tempRcpts []string
	var permResps []smtpclient.Response
	var lastTemp smtpclient.Response
	for i, r := range res.resps {
		switch {
		case r.Code == smtp.C250Completed:
		case r.Permanent:
			permRcpts = append(permRcpts, m.Recipients[i])
			permResps = append(permResps, r)
		default:
			tempRcpts = append(tempRcpts, m.Recipients[i])
			lastTemp = r
		}
	}

	if len(permRcpts) == 0 && len(tempRcpts) == 0 {
		qlog.Info("envelope delivered", mlog.Field("host", res.remoteMTA.Name), mlog.Field("recipients", len(m.Recipients)))
		removeEnvelope(qlog, m.Name)
		return
	}

	qlog.Info("envelope partially delivered", mlog.Field("host", res.remoteMTA.Name), mlog.Field("accepted", res.accepted), mlog.Field("permanent", len(permRcpts)), mlog.Field("temporary", len(tempRcpts)))

	if len(permRcpts) > 0 {
		bounce(qlog, m, permRcpts, permResps, res.remoteMTA, nil)
	}
	if len(tempRcpts) == 0 {
		removeEnvelope(qlog, m.Name)
		return
	}

	// Only the temporarily rejected recipients are retried.
	m.Recipients = tempRcpts
	fail(qlog, m, res.remoteMTA, false, smtpclient.Error(lastTemp))
}

// fail records a failed delivery attempt. Temporary failures put the
// envelope back in the spool in error state for a retry after a backoff
// that doubles with each attempt, until the configured maximum number of
// attempts is reached. Permanent failures queue a DSN to the sender and
// remove the envelope.
func fail(qlog *mlog.Log, m *spool.Message, remoteMTA dsn.NameIP, permanent bool, err error) {
	if err == nil {
		err = fmt.Errorf("delivery failed")
	}
	if !permanent && m.ErrorCount+1 >= james.Conf.Queue.MaxAttempts {
		qlog.Debug("delivery retries exhausted", mlog.Field("attempts", m.ErrorCount+1))
		permanent = true
	}

	if permanent {
		qlog.Errorx("permanent failure delivering envelope", err, mlog.Field("recipients", m.Recipients))
		bounce(qlog, m, m.Recipients, nil, remoteMTA, err)
		removeEnvelope(qlog, m.Name)
		return
	}

	// Exponential backoff with a bit of jitter so retries from a burst of
	// failures don't stay synchronized.
	backoff := time.Duration(james.Conf.Queue.RetryDelaySec)*time.Second + time.Duration(jitter.Intn(10)-5)*time.Second
	for i := 0; i < m.ErrorCount; i++ {
		backoff *= 2
	}
	m.ErrorCount++
	m.State = spool.StateError
	m.LastError = err.Error()
	m.NextAttempt = time.Now().Add(backoff)
	qlog.Errorx("temporary failure delivering envelope, will retry", err, mlog.Field("errorcount", m.ErrorCount), mlog.Field("nextattempt", m.NextAttempt))
	if serr := spl.Store(context.Background(), m); serr != nil {
		qlog.Errorx("storing envelope after temporary failure", serr)
	}
}

func removeEnvelope(qlog *mlog.Log, name string) {
	if err := spl.Remove(context.Background(), name); err != nil {
		qlog.Errorx("removing envelope from spool", err, mlog.Field("name", name))
	}
}

// bounce composes a failure DSN for rcpts and queues it, addressed to the
// original sender with the null reverse-path. A failed delivery of a message
// that itself has the null sender, i.e. a DSN, is never bounced, preventing
// mail loops.
//
// resps, when non-nil, holds the per-recipient SMTP responses aligned with
// rcpts. Otherwise err describes the failure for all recipients.
func bounce(qlog *mlog.Log, m *spool.Message, rcpts []string, resps []smtpclient.Response, remoteMTA dsn.NameIP, err error) {
	if m.Sender == "" {
		qlog.Info("not sending dsn for failed delivery of dsn")
		return
	}
	sender, perr := smtp.ParseAddress(m.Sender)
	if perr != nil {
		qlog.Errorx("parsing sender address for dsn", perr, mlog.Field("sender", m.Sender))
		return
	}

	var cerr smtpclient.Error
	var diag string
	var secode string
	if resps == nil && errors.As(err, &cerr) {
		if cerr.Line != "" {
			diag = strings.Join(append([]string{cerr.Line}, cerr.MoreLines...), " ")
		}
		secode = cerr.Secode
	}

	now := time.Now()
	var recipients []dsn.Recipient
	for i, rcpt := range rcpts {
		addr, perr := smtp.ParseAddress(rcpt)
		if perr != nil {
			qlog.Errorx("parsing failed recipient address for dsn", perr, mlog.Field("recipient", rcpt))
			continue
		}
		r := dsn.Recipient{
			FinalRecipient:  addr.Path(),
			Action:          dsn.Failed,
			RemoteMTA:       remoteMTA,
			LastAttemptDate: now,
		}
		if resps != nil {
			resp := resps[i]
			if resp.Secode != "" {
				r.Status = "5." + resp.Secode
			}
			r.DiagnosticCode = strings.Join(append([]string{resp.Line}, resp.MoreLines...), " ")
		} else {
			if secode != "" {
				r.Status = "5." + secode
			}
			r.DiagnosticCode = diag
		}
		recipients = append(recipients, r)
	}
	if len(recipients) == 0 {
		return
	}

	var errmsg string
	if err != nil {
		errmsg = err.Error()
	} else {
		errmsg = "recipient(s) rejected by remote server"
	}
	textBody := fmt.Sprintf(`
Delivery has failed permanently for your email to:

	%s

No further deliveries will be attempted.

Error during the last delivery attempt:

	%s
`, strings.Join(rcpts, "\n\t"), errmsg)

	dm := dsn.Message{
		From:            james.PostmasterAddress().Path(),
		To:              sender.Path(),
		Subject:         "mail delivery failed",
		TextBody:        textBody,
		ReportingMTA:    james.Conf.HostnameDomain.ASCII,
		ReceivedFromMTA: receivedFromMTA(m),
		ArrivalDate:     m.Queued,
		Recipients:      recipients,
		Original:        m.Content,
	}
	data, merr := dm.Compose(false)
	if merr != nil {
		qlog.Errorx("composing dsn", merr)
		return
	}

	bm := spool.Message{
		Name:       fmt.Sprintf("%s-dsn-%d", m.Name, james.Cid()),
		Queued:     now,
		Sender:     "",
		Recipients: []string{m.Sender},
		State:      spool.StateDefault,
		Content:    data,
	}
	if aerr := Add(context.Background(), qlog, &bm); aerr != nil {
		qlog.Errorx("queueing dsn", aerr, mlog.Field("sender", m.Sender))
		return
	}
	metricDSN.Inc()
	qlog.Info("queued dsn for failed delivery", mlog.Field("sender", m.Sender), mlog.Field("recipients", rcpts))
}

// receivedFromMTA reconstructs the remote MTA the message was received from,
// for the Received-From-MTA field of a DSN. Best-effort, from the provenance
// recorded at SMTP receipt time.
func receivedFromMTA(m *spool.Message) smtp.Ehlo {
	var e smtp.Ehlo
	if m.RemoteHost != "" {
		if ip := net.ParseIP(m.RemoteHost); ip != nil {
			e.Name = dns.IPDomain{IP: ip}
		} else if d, err := dns.ParseDomain(m.RemoteHost); err == nil {
			e.Name = dns.IPDomain{Domain: d}
		}
	}
	if m.RemoteAddr != "" {
		host := m.RemoteAddr
		if h, _, err := net.SplitHostPort(m.RemoteAddr); err == nil {
			host = h
		}
		e.ConnIP = net.ParseIP(host)
	}
	return e
}

// deliveryResult returns the result label for the delivery metric.
func deliveryResult(err error, delivered, failed int) string {
	var cerr smtpclient.Error
	switch {
	case err == nil:
		if delivered == 0 {
			return "error"
		} else if failed > 0 {
			return "okpartial"
		}
		return "ok"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &cerr):
		if cerr.Permanent {
			return "permerror"
		}
		return "temperror"
	}
	return "error"
}
