// Package logging provides prefixed loggers for linkmirror components.
//
// Every long-lived component takes a *log.Logger through its Config struct
// and falls back to a stderr logger with a "[component] " prefix when none
// is supplied. The daemon writes to a rotating log file instead so that a
// long-running background process does not grow an unbounded log.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger writing to w with a "[component] " prefix.
// If w is nil, the logger writes to stderr.
func New(component string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// NewRotating returns a logger that writes to path with size-based rotation.
// Used by the daemon; foreground commands log to stderr via New.
func NewRotating(component, path string) *log.Logger {
	out := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	return log.New(out, "["+component+"] ", log.LstdFlags)
}
