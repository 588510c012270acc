// Command james is a mail transfer agent: it accepts mail over SMTP,
// spools it durably, and forwards it to remote mail servers with retries
// and failure notifications.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mjl-/sconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imyousuf/james-sub012/config"
	"github.com/imyousuf/james-sub012/dns"
	"github.com/imyousuf/james-sub012/greylist"
	"github.com/imyousuf/james-sub012/james-"
	"github.com/imyousuf/james-sub012/mlog"
	"github.com/imyousuf/james-sub012/queue"
	"github.com/imyousuf/james-sub012/smtp"
	"github.com/imyousuf/james-sub012/smtpserver"
	"github.com/imyousuf/james-sub012/spool"
	"github.com/imyousuf/james-sub012/users"
	"github.com/imyousuf/james-sub012/vut"
)

var xlog = mlog.New("main")

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands []struct {
	cmd    string
	params string
	help   string
	fn     func(c *cmd)
}

func init() {
	commands = []struct {
		cmd    string
		params string
		help   string
		fn     func(c *cmd)
	}{
		{"serve", "", "Start the mail server with the SMTP listener and delivery workers.", cmdServe},
		{"config test", "", "Check the config file for errors.", cmdConfigTest},
		{"config describe", "", "Print an annotated example config file.", cmdConfigDescribe},
		{"user add", "address", "Add a local user, reading the password from the terminal.", cmdUserAdd},
		{"user remove", "address", "Remove a local user.", cmdUserRemove},
		{"user list", "", "List local users.", cmdUserList},
		{"vut add", "address target ...", "Add a virtual user mapping. An address of the form @domain is a wildcard for the whole domain. Targets are addresses, or error:, regex: or domain: forms.", cmdVutAdd},
		{"vut remove", "address", "Remove a virtual user mapping.", cmdVutRemove},
		{"vut list", "", "List virtual user mappings.", cmdVutList},
		{"spool list", "", "List the envelopes in the spool.", cmdSpoolList},
		{"greylist list", "", "List greylist triplets.", cmdGreylistList},
		{"help", "[command ...]", "Print help about matching commands.", cmdHelp},
	}
}

type cmd struct {
	words  []string
	params string
	help   string
	fn     func(c *cmd)

	flag     *flag.FlagSet
	flagArgs []string
	args     []string
}

func (c *cmd) Parse() []string {
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) Usage() {
	name := "james " + strings.Join(c.words, " ")
	if c.params != "" {
		name += " " + c.params
	}
	fmt.Fprintf(os.Stderr, "usage: %s\n", name)
	if c.help != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", c.help)
	}
	c.flag.SetOutput(os.Stderr)
	c.flag.PrintDefaults()
	os.Exit(2)
}

func usage(l []cmd) {
	fmt.Fprintln(os.Stderr, "usage: james [-config james.conf] [-loglevel level] command ...")
	for _, c := range l {
		s := "james " + strings.Join(c.words, " ")
		if c.params != "" {
			s += " " + c.params
		}
		fmt.Fprintln(os.Stderr, "       "+s)
	}
	os.Exit(2)
}

var loglevel string

func main() {
	flag.StringVar(&james.ConfigStaticPath, "config", envString("JAMESCONF", "james.conf"), "configuration file, defaults to $JAMESCONF with a fallback to james.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the configured log level")

	var cmds []cmd
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Split(xc.cmd, " "), params: xc.params, help: xc.help, fn: xc.fn})
	}

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("james "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func cmdHelp(c *cmd) {
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	for _, xc := range commands {
		if !strings.HasPrefix(xc.cmd, strings.Join(args, " ")) {
			continue
		}
		s := "james " + xc.cmd
		if xc.params != "" {
			s += " " + xc.params
		}
		fmt.Printf("%s\n\t%s\n", s, xc.help)
	}
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	xlog.Fatalx(fmt.Sprintf(format, args...), err)
}

// mustLoadConfig loads the config for subcommands, applying a loglevel
// override from the command line over the configured levels.
func mustLoadConfig() {
	james.MustLoadConfig()
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			xlog.Fatal("unknown loglevel", mlog.Field("loglevel", loglevel))
		}
		mlog.SetConfig(map[string]mlog.Level{"": level})
	}
}

func openUsers() *users.DB {
	db, err := users.Open(james.DataDirPath("users.db"))
	xcheckf(err, "opening user database")
	return db
}

func openVUT() *vut.VUT {
	db, err := vut.Open(james.DataDirPath("vut.db"))
	xcheckf(err, "opening virtual user table")
	return db
}

func openSpool() *spool.Spool {
	s, err := spool.Open(james.DataDirPath("spool.db"))
	xcheckf(err, "opening spool")
	return s
}

func openGreylist() *greylist.DB {
	gc := james.Conf.Greylist
	db, err := greylist.Open(james.DataDirPath("greylist.db"),
		time.Duration(gc.BlockWindowMinutes)*time.Minute,
		time.Duration(gc.UnseenDays)*24*time.Hour,
		time.Duration(gc.WhitelistDays)*24*time.Hour,
		gc.WhitelistPasses)
	xcheckf(err, "opening greylist database")
	return db
}

func cmdServe(c *cmd) {
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	spl := openSpool()
	udb := openUsers()
	vdb := openVUT()
	var gdb *greylist.DB
	if james.Conf.Greylist.Enabled {
		gdb = openGreylist()
		go gdb.PeriodicPurge(james.Shutdown)
	}

	queue.Init(spl)
	smtpserver.Init(udb, vdb, gdb)

	queue.Start(dns.StrictResolver{Pkg: "queue"}, james.Conf.Queue.Workers)
	ln, err := smtpserver.ListenAndServe()
	xcheckf(err, "starting smtp listener")

	if addr := james.Conf.MetricsAddress; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			xlog.Print("listening for metrics", mlog.Field("address", addr))
			err := http.ListenAndServe(addr, mux)
			xlog.Fatalx("metrics listener", err)
		}()
	}

	xlog.Print("up and running", mlog.Field("hostname", james.Conf.HostnameDomain))

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	xlog.Print("shutting down", mlog.Field("signal", sig))
	james.ShutdownCancel()
	ln.Close()

	// In-flight deliveries and smtp transactions get a moment to finish.
	time.Sleep(500 * time.Millisecond)

	spl.Close()
	udb.Close()
	vdb.Close()
	if gdb != nil {
		gdb.Close()
	}
}

func cmdConfigTest(c *cmd) {
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	if err := james.LoadConfig(); err != nil {
		fmt.Printf("config error: %s\n", err)
		os.Exit(1)
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	var example config.Static
	example.DataDir = "data"
	example.LogLevel = "info"
	example.Hostname = "mail.example.com"
	example.SMTP.Address = ":25"
	example.LocalDomains = []string{"example.com"}
	err := sconf.Describe(os.Stdout, &example)
	xcheckf(err, "describing config")
}

// xreadPassword reads a password from the terminal, twice for confirmation.
func xreadPassword() string {
	fmt.Print("password: ")
	var pw string
	_, err := fmt.Scanln(&pw)
	xcheckf(err, "reading password")
	if len(pw) < 8 {
		xlog.Fatal("password must be at least 8 characters")
	}
	return pw
}

func cmdUserAdd(c *cmd) {
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr, err := smtp.ParseAddress(args[0])
	xcheckf(err, "parsing address")
	mustLoadConfig()
	pw := xreadPassword()
	db := openUsers()
	defer db.Close()
	err = db.Add(james.Shutdown, addr, pw)
	xcheckf(err, "adding user")
	fmt.Printf("user %s added\n", addr)
}

func cmdUserRemove(c *cmd) {
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	addr, err := smtp.ParseAddress(args[0])
	xcheckf(err, "parsing address")
	mustLoadConfig()
	db := openUsers()
	defer db.Close()
	err = db.Remove(james.Shutdown, addr)
	xcheckf(err, "removing user")
	fmt.Printf("user %s removed\n", addr)
}

func cmdUserList(c *cmd) {
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	db := openUsers()
	defer db.Close()
	l, err := db.List(james.Shutdown)
	xcheckf(err, "listing users")
	for _, u := range l {
		fmt.Println(u.Name)
	}
}

// xsplitMapping splits a vut address argument into localpart and domain.
// "@domain" is a wildcard for the whole domain.
func xsplitMapping(s string) (string, dns.Domain) {
	if strings.HasPrefix(s, "@") {
		d, err := dns.ParseDomain(s[1:])
		xcheckf(err, "parsing domain")
		return "", d
	}
	addr, err := smtp.ParseAddress(s)
	xcheckf(err, "parsing address")
	return string(addr.Localpart), addr.Domain
}

func cmdVutAdd(c *cmd) {
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	localpart, domain := xsplitMapping(args[0])
	mustLoadConfig()
	db := openVUT()
	defer db.Close()
	err := db.Add(james.Shutdown, localpart, domain, args[1:]...)
	xcheckf(err, "adding mapping")
	fmt.Printf("mapping for %s added\n", args[0])
}

func cmdVutRemove(c *cmd) {
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	localpart, domain := xsplitMapping(args[0])
	mustLoadConfig()
	db := openVUT()
	defer db.Close()
	err := db.Remove(james.Shutdown, localpart, domain)
	xcheckf(err, "removing mapping")
	fmt.Printf("mapping for %s removed\n", args[0])
}

func cmdVutList(c *cmd) {
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	db := openVUT()
	defer db.Close()
	l, err := db.List(james.Shutdown)
	xcheckf(err, "listing mappings")
	for _, m := range l {
		fmt.Printf("%s@%s: %s\n", m.Localpart, m.Domain, strings.Join(m.Targets, ", "))
	}
}

func cmdSpoolList(c *cmd) {
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	s := openSpool()
	defer s.Close()
	l, err := s.List(james.Shutdown)
	xcheckf(err, "listing spool")
	fmt.Printf("%-30s %-8s %6s  %-25s %s\n", "name", "state", "errors", "queued", "sender -> recipients")
	for _, m := range l {
		sender := m.Sender
		if sender == "" {
			sender = "<>"
		}
		fmt.Printf("%-30s %-8s %6d  %-25s %s -> %s\n", m.Name, m.State, m.ErrorCount, m.Queued.Format(time.RFC3339), sender, strings.Join(m.Recipients, ", "))
		if m.LastError != "" {
			fmt.Printf("\tlast error: %s\n", m.LastError)
		}
	}
}

func cmdGreylistList(c *cmd) {
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	db := openGreylist()
	defer db.Close()
	l, err := db.List(james.Shutdown)
	xcheckf(err, "listing greylist")
	for _, t := range l {
		state := "blocked"
		if t.Whitelisted {
			state = "whitelisted"
		} else if t.Count > 0 {
			state = "passed"
		}
		fmt.Printf("%-15s %-11s %s -> %s\n", t.IPMasked, state, t.Sender, t.Recipient)
	}
}
