// Package logging constructs the loggers the rest of the process injects
// through its Config structs.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures logger construction.
type Options struct {
	// File is the log file path. Empty logs to stderr only.
	File string

	// MaxSizeMB rotates the file once it exceeds this size (default: 10).
	MaxSizeMB int

	// MaxBackups bounds the number of rotated files kept (default: 3).
	MaxBackups int

	// Quiet drops the stderr copy; only the file receives output.
	Quiet bool
}

// New returns a logger with the given bracketed prefix, writing to stderr
// and, when configured, a size-rotated log file.
func New(prefix string, opts Options) *log.Logger {
	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, os.Stderr)
	}
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups == 0 {
			maxBackups = 3
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
		})
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}
	return log.New(w, prefix+" ", log.LstdFlags|log.Lmsgprefix)
}
