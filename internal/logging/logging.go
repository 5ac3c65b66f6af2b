// Package logging builds the logrus logger shared by every command.
package logging

import (
	"io"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Level maps the -v count and -q flag to a log level. Quiet wins.
func Level(verbosity int, quiet bool) logrus.Level {
	switch {
	case quiet:
		return logrus.ErrorLevel
	case verbosity <= 0:
		return logrus.WarnLevel
	case verbosity == 1:
		return logrus.InfoLevel
	case verbosity == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// New returns a logger writing to w. Colours are only used when w is a
// terminal.
func New(verbosity int, quiet bool, w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(Level(verbosity, quiet))
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    !IsTerminal(w),
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	})
	return l
}

// IsTerminal reports whether v is a file attached to a terminal, including
// Cygwin and MSYS pseudo terminals. Any reader or writer without a file
// descriptor is not a terminal.
func IsTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
