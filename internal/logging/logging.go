// Package logging builds the per-component loggers. Every logger writes
// to stderr and, when a log file is configured, to a size-rotated file.
package logging

import (
	"io"
	"log"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/homeboard/homeboard/internal/config"
)

// Logs hands out component loggers sharing one output.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New returns Logs writing to stderr (nil discards) and to cfg.File when
// set.
func New(cfg config.LogConfig, stderr io.Writer) *Logs {
	if stderr == nil {
		stderr = io.Discard
	}
	l := &Logs{out: stderr, loggers: make(map[string]*log.Logger)}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		l.out = io.MultiWriter(stderr, l.file)
	}
	return l
}

// Discard returns Logs that drop everything.
func Discard() *Logs {
	return New(config.LogConfig{}, nil)
}

// For returns the logger for component, prefixed "[component] ".
func (l *Logs) For(component string) *log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lg, ok := l.loggers[component]; ok {
		return lg
	}
	lg := log.New(l.out, "["+component+"] ", log.LstdFlags)
	l.loggers[component] = lg
	return lg
}

// Writer is the shared output.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Close closes the log file, if any.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
