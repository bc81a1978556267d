// Package logger is the balancer-wide logging handle: a thin,
// level-prefixed wrapper over the standard library's log.Logger, passed
// down from cmd/gobalancer into every internal package instead of each
// one reaching for the global log functions directly.
package logger

import (
	"log"
	"os"
)

// Logger writes [INFO]/[ERROR]/[DEBUG]-prefixed lines; info and debug go
// to stdout, error to stderr, so operators can split balancer failures
// from routine accept/dial/probe chatter with ordinary shell redirection.
type Logger struct {
	info  *log.Logger
	error *log.Logger
	debug *log.Logger
}

// Default is the process-wide Logger used by cmd/gobalancer before any
// component-specific one is wired in, and by the package-level
// Info/Error/Debug helpers below.
var Default = New()

// New builds a Logger writing to the standard streams with stdlib
// timestamp flags.
func New() *Logger {
	return &Logger{
		info:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		error: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		debug: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
	}
}

// Info logs routine events: listeners binding, config reloads,
// shutdown.
func (l *Logger) Info(format string, v ...any) {
	l.info.Printf(format, v...)
}

// Error logs failures an operator should notice: listener accept errors,
// config load/validation and reload errors, duplicate registry sessions.
func (l *Logger) Error(format string, v ...any) {
	l.error.Printf(format, v...)
}

// Debug logs per-session detail too noisy for Info: failed handshakes,
// relay sessions ending in error, recovery probe bursts.
func (l *Logger) Debug(format string, v ...any) {
	l.debug.Printf(format, v...)
}

// Info logs to Default; for use before a component-specific Logger exists.
func Info(format string, v ...any) {
	Default.Info(format, v...)
}

// Error logs to Default; for use before a component-specific Logger exists.
func Error(format string, v ...any) {
	Default.Error(format, v...)
}

// Debug logs to Default; for use before a component-specific Logger exists.
func Debug(format string, v ...any) {
	Default.Debug(format, v...)
}
