// Package logging builds the structured logger shared by the CLI and the
// pipeline stages.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
)

// Options configures New.
type Options struct {
	// Verbose enables debug output
	Verbose bool

	// JSON switches to one JSON object per line, for log collectors
	JSON bool

	Prefix string

	// Output defaults to stderr
	Output io.Writer
}

// New returns a timestamped logger. Loggers are passed explicitly to the
// components that need them; there is no package-level instance.
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	l := log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          opts.Prefix,
	})
	if opts.JSON {
		l.SetFormatter(log.JSONFormatter)
	}
	if opts.Verbose {
		l.SetLevel(log.DebugLevel)
	} else {
		l.SetLevel(log.InfoLevel)
	}
	return l
}

// Discard returns a logger that drops everything, for tests.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}
