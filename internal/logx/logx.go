// Package logx provides the structured, leveled logging calling convention
// used throughout this module: Info/Warn/Error/Crit taking a message and a
// flat list of key/value pairs, mirroring the convention of go-ethereum's
// internal log package. It is backed by zap so the convention survives
// without needing to vendor an internal-only dependency.
package logx

import (
	"os"

	"github.com/go-stack/stack"
	"go.uber.org/zap"
)

// Logger is the sugared, key/value logging surface used across the engine.
type Logger struct {
	s *zap.SugaredLogger
}

var root = New()

// New builds a development-style console logger. Tests that want quiet output
// can swap root via SetRoot.
func New() *Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging setup failing is itself unrecoverable; there is nowhere
		// sane left to report it.
		panic(err)
	}
	return &Logger{s: l.Sugar()}
}

// SetRoot replaces the package-level logger, e.g. with a no-op one in tests.
func SetRoot(l *Logger) { root = l }

func Info(msg string, kv ...interface{})  { root.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { root.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { root.Error(msg, kv...) }

// Crit logs a fatal, invariant-violating condition with the caller frame
// attached and terminates the process. The engine only ever calls this for
// states that indicate the host B-tree betrayed its contract.
func Crit(msg string, kv ...interface{}) { root.Crit(msg, kv...) }

func (l *Logger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }

func (l *Logger) Crit(msg string, kv ...interface{}) {
	frame := stack.Caller(1)
	kv = append(kv, "at", frame)
	l.s.Errorw(msg, kv...)
	l.s.Sync()
	os.Exit(2)
}

// Nop returns a logger that discards everything, for use in tests that
// exercise Crit-adjacent paths without wanting to kill the test binary.
func Nop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}
