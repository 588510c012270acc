// Package mlog provides leveled logging with key/value fields.
//
// Log lines are written in logfmt style. Variable data goes into fields so
// the message text itself stays constant, which makes log processing easier.
// Levels are configured per originating package (the "pkg" field); the
// configuration is application-global.
//
// Print is for lines that must appear regardless of configured levels, e.g.
// startup messages and subcommand output. Fatal logs and exits.
package mlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

type Level int

const (
	LevelPrint Level = iota // Always printed.
	LevelFatal              // Always printed, then os.Exit(1).
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace // Protocol transcripts.
)

var LevelStrings = map[Level]string{
	LevelPrint: "print",
	LevelFatal: "fatal",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

var Levels = map[string]Level{
	"print": LevelPrint,
	"fatal": LevelFatal,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// Maps a package (the pkg field in log lines) to its log level. The empty
// string is the fallback level.
var config atomic.Value

func init() {
	config.Store(map[string]Level{"": LevelInfo})
}

// SetConfig atomically replaces the log levels used by all Log instances.
func SetConfig(c map[string]Level) {
	config.Store(c)
}

// Pair is a key/value pair logged as a field.
type Pair struct {
	key   string
	value any
}

// Field makes a Pair.
func Field(k string, v any) Pair {
	return Pair{k, v}
}

// Log carries fields that are added to each line it logs.
type Log struct {
	fields []Pair
}

// New returns a Log that tags each line with field "pkg".
func New(pkg string) *Log {
	return &Log{fields: []Pair{{"pkg", pkg}}}
}

type key string

// CidKey stores a connection/session correlation id in a context.
var CidKey key = "cid"

// WithCid returns a Log that adds field "cid".
func (l *Log) WithCid(cid int64) *Log {
	return l.Fields(Pair{"cid", cid})
}

// WithContext returns a Log with the cid from ctx, if present. Contexts are
// passed between packages to carry the cid of an operation.
func (l *Log) WithContext(ctx context.Context) *Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// Fields returns a Log that also logs the given fields on each line.
func (l *Log) Fields(fields ...Pair) *Log {
	nl := *l
	nl.fields = append(fields, nl.fields...)
	return &nl
}

func (l *Log) Fatal(text string, fields ...Pair) { l.Fatalx(text, nil, fields...) }
func (l *Log) Fatalx(text string, err error, fields ...Pair) {
	l.plog(LevelFatal, err, text, fields...)
	os.Exit(1)
}

func (l *Log) Print(text string, fields ...Pair) { l.logx(LevelPrint, nil, text, fields...) }
func (l *Log) Printx(text string, err error, fields ...Pair) {
	l.logx(LevelPrint, err, text, fields...)
}

func (l *Log) Debug(text string, fields ...Pair) { l.logx(LevelDebug, nil, text, fields...) }
func (l *Log) Debugx(text string, err error, fields ...Pair) {
	l.logx(LevelDebug, err, text, fields...)
}

func (l *Log) Info(text string, fields ...Pair) { l.logx(LevelInfo, nil, text, fields...) }
func (l *Log) Infox(text string, err error, fields ...Pair) {
	l.logx(LevelInfo, err, text, fields...)
}

func (l *Log) Error(text string, fields ...Pair) { l.logx(LevelError, nil, text, fields...) }
func (l *Log) Errorx(text string, err error, fields ...Pair) {
	l.logx(LevelError, err, text, fields...)
}

// Trace logs protocol data when the trace level is enabled for the package.
func (l *Log) Trace(text string) {
	l.logx(LevelTrace, nil, text)
}

func (l *Log) logx(level Level, err error, text string, fields ...Pair) {
	if !l.match(level) {
		return
	}
	l.plog(level, err, text, fields...)
}

// escape a logfmt value if needed, otherwise return the original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	if s == "" {
		return `""`
	}
	return s
}

func stringValue(iscid bool, v any) string {
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			// Short hex form, for correlating lines by eye.
			return fmt.Sprintf("%x", r)
		}
		return strconv.FormatInt(r, 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case time.Duration:
		return r.String()
	case []string:
		return "[" + strings.Join(r, ",") + "]"
	case error:
		return r.Error()
	case fmt.Stringer:
		return r.String()
	}
	return fmt.Sprintf("%v", v)
}

func (l *Log) plog(level Level, err error, text string, fields ...Pair) {
	fields = append(l.fields, fields...)
	// Single atomic write so concurrent log lines do not interleave.
	b := &bytes.Buffer{}
	fmt.Fprintf(b, "l=%s m=%s", LevelStrings[level], logfmtValue(text))
	if err != nil {
		fmt.Fprintf(b, " err=%s", logfmtValue(err.Error()))
	}
	for _, kv := range fields {
		fmt.Fprintf(b, " %s=%s", kv.key, logfmtValue(stringValue(kv.key == "cid", kv.value)))
	}
	b.WriteString("\n")
	os.Stderr.Write(b.Bytes())
}

func (l *Log) match(level Level) bool {
	if level == LevelPrint || level == LevelFatal {
		return true
	}
	cl := config.Load().(map[string]Level)
	for _, kv := range l.fields {
		if kv.key != "pkg" {
			continue
		}
		pkg, ok := kv.value.(string)
		if !ok {
			continue
		}
		if v, ok := cl[pkg]; ok {
			return v >= level
		}
	}
	return cl[""] >= level
}

type errWriter struct {
	log   *Log
	level Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.logx(w.level, err, w.msg)
	return len(buf), nil
}

// ErrWriter returns a writer that logs each write on "log" at "level" with
// message "msg" and the written content as the error. Useful as a Go
// log.Logger destination, e.g. http.Server.ErrorLog.
func ErrWriter(log *Log, level Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
