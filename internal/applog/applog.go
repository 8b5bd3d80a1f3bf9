// Package applog defines the logging interface used throughout this module,
// replacing a process-wide log.Printf singleton with an
// explicit dependency every component takes at construction. A std-backed
// implementation and a no-op implementation for tests are provided.
package applog

import (
	"fmt"
	"log"
	"os"
)

// Logger is the logging seam every component accepts at construction
// instead of reaching for the standard library's global logger directly.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// stdLogger backs Logger with the standard library's log package, matching
// log.Printf-shaped call sites but routed through one injectable
// seam instead of the bare package-level logger.
type stdLogger struct {
	l     *log.Logger
	debug bool
}

// New returns a Logger writing to stderr with a timestamp prefix. When
// debug is false, Debugf calls are discarded.
func New(debug bool) Logger {
	return &stdLogger{l: log.New(os.Stderr, "", log.LstdFlags), debug: debug}
}

func (s *stdLogger) Debugf(format string, args ...any) {
	if !s.debug {
		return
	}
	s.l.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Infof(format string, args ...any) {
	s.l.Output(2, "INFO "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Warnf(format string, args ...any) {
	s.l.Output(2, "WARN "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Errorf(format string, args ...any) {
	s.l.Output(2, "ERROR "+fmt.Sprintf(format, args...))
}

// noop discards everything; the default for tests that don't care about
// log output.
type noop struct{}

// NoOp returns a Logger that discards all output.
func NoOp() Logger { return noop{} }

func (noop) Debugf(string, ...any) {}
func (noop) Infof(string, ...any)  {}
func (noop) Warnf(string, ...any)  {}
func (noop) Errorf(string, ...any) {}
