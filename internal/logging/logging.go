// Package logging builds the component loggers used across mdsync.
//
// Components log through stdlib *log.Logger with a bracketed prefix
// ("[watcher] ", "[hub] ", ...). When a log file is configured, output is
// duplicated to a size-rotated file via lumberjack so long-running servers
// do not grow logs without bound.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log destination.
type Options struct {
	// File is the rotating log file path; empty logs to stderr only.
	File string
	// MaxSizeMB is the rotation threshold (default 10).
	MaxSizeMB int
	// MaxBackups is how many rotated files to keep (default 3).
	MaxBackups int
}

// Sink is the shared destination component loggers write to.
type Sink struct {
	writer io.Writer
	closer io.Closer
}

// NewSink builds the destination from options.
func NewSink(opts Options) *Sink {
	if opts.File == "" {
		return &Sink{writer: os.Stderr}
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
	}
	return &Sink{
		writer: io.MultiWriter(os.Stderr, rotator),
		closer: rotator,
	}
}

// Component returns a logger with the given component prefix.
func (s *Sink) Component(name string) *log.Logger {
	return log.New(s.writer, "["+name+"] ", log.LstdFlags)
}

// Close flushes and closes the rotating file, if any.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
