// Package log wires the subsystem loggers shared by every package in
// this module. Each package that wants logging obtains its own
// package-level logger from RegisterSubsystem, in place of the
// per-subsystem UseLogger setters lnd.go uses for ltndLog/srvrLog/peerLog.
package log

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Disabled is the default backing logger used by every subsystem until
// InitLogRotator or InitStderr wires a real backend. It discards
// everything, matching btclog's own disabled-logger convention.
var Disabled = btclog.Disabled

// Logger forwards every btclog.Logger call to a backing logger that
// can be swapped out after the fact. Package-level vars like
// internal/connect's connLog are assigned a *Logger once, at package
// init, before any backend exists; InitLogRotator/InitStderr then
// retarget every registered *Logger's backing field in place, the same
// effect lnd.go's per-subsystem UseLogger(logger) setters achieve by
// reassigning the package var directly. A bare package-var swap can't
// work here because subsystems are registered generically by tag
// rather than one UseLogger func per package, so the indirection lives
// in this wrapper instead.
type Logger struct {
	backing btclog.Logger
}

func newLogger() *Logger { return &Logger{backing: Disabled} }

func (l *Logger) Tracef(format string, params ...interface{})    { l.backing.Tracef(format, params...) }
func (l *Logger) Debugf(format string, params ...interface{})    { l.backing.Debugf(format, params...) }
func (l *Logger) Infof(format string, params ...interface{})     { l.backing.Infof(format, params...) }
func (l *Logger) Warnf(format string, params ...interface{})     { l.backing.Warnf(format, params...) }
func (l *Logger) Errorf(format string, params ...interface{})    { l.backing.Errorf(format, params...) }
func (l *Logger) Criticalf(format string, params ...interface{}) { l.backing.Criticalf(format, params...) }

func (l *Logger) Trace(v ...interface{})    { l.backing.Trace(v...) }
func (l *Logger) Debug(v ...interface{})    { l.backing.Debug(v...) }
func (l *Logger) Info(v ...interface{})     { l.backing.Info(v...) }
func (l *Logger) Warn(v ...interface{})     { l.backing.Warn(v...) }
func (l *Logger) Error(v ...interface{})    { l.backing.Error(v...) }
func (l *Logger) Critical(v ...interface{}) { l.backing.Critical(v...) }

func (l *Logger) Level() btclog.Level       { return l.backing.Level() }
func (l *Logger) SetLevel(level btclog.Level) { l.backing.SetLevel(level) }

// subsystems maps a short subsystem tag to its registered *Logger. New
// packages add themselves here from a package-level var calling
// RegisterSubsystem.
var subsystems = make(map[string]*Logger)

// backend is created once InitLogRotator or InitStderr runs, and is
// used to mint each subsystem's backing logger.
var backend *btclog.Backend

// RegisterSubsystem associates tag with a new *Logger, so that
// SetLevel and the Init* functions can reach it later. The returned
// logger discards everything until InitLogRotator or InitStderr runs.
func RegisterSubsystem(tag string) *Logger {
	l := newLogger()
	subsystems[tag] = l
	return l
}

// InitStderr wires every registered subsystem to a plain stderr
// backend. Used by cmd/gnosisvpn-root, which has no rotating log file
// of its own.
func InitStderr() {
	backend = btclog.NewBackend(os.Stderr)
	mintAll()
}

// InitLogRotator creates the rotating log file backend described by
// GNOSISVPN_LOG_FILE, following lnd.go's initLogRotator: a rotator.Rotator
// tees to both the file and stderr so operators see the same thing a
// tail -f would.
func InitLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	r, err := rotator.New(logFile, int64(maxLogFileSize)*1024, false, maxLogFiles)
	if err != nil {
		return err
	}

	var w io.Writer = io.MultiWriter(os.Stderr, r)
	backend = btclog.NewBackend(w)
	mintAll()
	return nil
}

func mintAll() {
	for tag, l := range subsystems {
		l.backing = backend.Logger(tag)
	}
}

// SetLevel sets the log level of a single previously-registered
// subsystem, mirroring lnd.go's setLogLevel.
func SetLevel(tag, levelStr string) bool {
	l, ok := subsystems[tag]
	if !ok {
		return false
	}
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return false
	}
	l.SetLevel(level)
	return true
}

// SetLevels applies the same level to every registered subsystem.
func SetLevels(levelStr string) {
	for tag := range subsystems {
		SetLevel(tag, levelStr)
	}
}

// Flush flushes the underlying backend, mirroring lnd.go's
// `defer backendLog.Flush()` shutdown pattern. Safe to call before a
// backend has been initialized.
func Flush() {
	if backend == nil {
		return
	}
	if f, ok := interface{}(backend).(interface{ Flush() }); ok {
		f.Flush()
	}
}
