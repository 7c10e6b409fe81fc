// Package mlog provides logging with log levels and structured fields on top
// of log/slog.
//
// Each log level has a function to log with and without an error. Variable
// data should be in fields; logging strings themselves should be constant,
// for easier log processing.
//
// Log levels can be configured per originating package, e.g. smtpclient or
// worker. The configuration is application-global, so each Log instance uses
// the same log levels.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Levels, mapped onto slog levels. The trace levels are for SMTP protocol
// traces and sit below debug.
const (
	LevelError     = slog.LevelError
	LevelInfo      = slog.LevelInfo
	LevelDebug     = slog.LevelDebug
	LevelTrace     slog.Level = -8
	LevelTracedata slog.Level = -12
)

var LevelStrings = map[slog.Level]string{
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTracedata: "tracedata",
}

var Levels = map[string]slog.Level{
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"tracedata": LevelTracedata,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a
// log level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log is a logger for a package, with fields added to each logged line.
type Log struct {
	pkg   string
	attrs []slog.Attr
	elog  *slog.Logger // If nil, lines are written to stderr in logfmt.
}

// New returns a Log for the given package. If elog is not nil, logging is
// delegated to it instead of the default stderr writer; level configuration
// still applies.
func New(pkg string, elog *slog.Logger) Log {
	return Log{pkg: pkg, elog: elog}
}

// WithPkg returns a copy of the logger for another originating package,
// keeping fields and destination.
func (l Log) WithPkg(pkg string) Log {
	l.pkg = pkg
	return l
}

// WithCid adds a field "cid", for correlating all lines of an operation.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds a cid from the context, if present. See CidKey.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	return l.WithCid(cidv.(int64))
}

// With returns a copy of the logger that adds attrs to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	nl := l
	nl.attrs = append(append([]slog.Attr{}, l.attrs...), attrs...)
	return nl
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.logx(LevelDebug, nil, msg, attrs...) }
func (l Log) Info(msg string, attrs ...slog.Attr)  { l.logx(LevelInfo, nil, msg, attrs...) }
func (l Log) Error(msg string, attrs ...slog.Attr) { l.logx(LevelError, nil, msg, attrs...) }

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelDebug, err, msg, attrs...)
}
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelInfo, err, msg, attrs...)
}
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.logx(LevelError, err, msg, attrs...)
}

// Check logs an error-level line if err is not nil. For cleanup paths where
// the error cannot be handled.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs protocol data at a trace level. Returns whether the level is
// enabled, so callers can skip formatting work.
func (l Log) Trace(level slog.Level, prefix string, data []byte) bool {
	if !l.enabled(level) {
		return false
	}
	l.logx(level, nil, prefix+strconv.Quote(string(data)))
	return true
}

func (l Log) enabled(level slog.Level) bool {
	cl := config.Load().(map[string]slog.Level)
	v, ok := cl[l.pkg]
	if !ok {
		v = cl[""]
	}
	return level >= v
}

func (l Log) logx(level slog.Level, err error, msg string, attrs ...slog.Attr) {
	if !l.enabled(level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	attrs = append(append([]slog.Attr{}, l.attrs...), attrs...)
	if l.elog != nil {
		l.elog.LogAttrs(context.Background(), level, msg, append([]slog.Attr{slog.String("pkg", l.pkg)}, attrs...)...)
		return
	}
	// Build up a buffer for a single write, preventing interleaved partial
	// lines from concurrent goroutines.
	b := &bytes.Buffer{}
	fmt.Fprintf(b, "l=%s m=%s pkg=%s", levelString(level), logfmtValue(msg), l.pkg)
	for _, a := range attrs {
		fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(attrValue(a.Value)))
	}
	b.WriteString("\n")
	os.Stderr.Write(b.Bytes())
}

func levelString(level slog.Level) string {
	if s, ok := LevelStrings[level]; ok {
		return s
	}
	return level.String()
}

func attrValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v.Any())
	}
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	if s == "" {
		return `""`
	}
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
