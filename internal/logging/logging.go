// Package logging builds the process logger: a rotating log file, an
// optional stderr tee and a line stream for the dashboard.
package logging

import (
	"bytes"
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nford88/hybrid-workout-ftms/internal/events"
)

type Config struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Stderr also writes every line to standard error.
	Stderr bool
}

type Logging struct {
	Logger *log.Logger
	lines  *events.Stream[string]
	file   *lumberjack.Logger
}

func New(cfg Config) *Logging {
	l := &Logging{lines: events.NewStream[string](false)}

	writers := []io.Writer{&lineWriter{lines: l.lines}}
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, l.file)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}
	l.Logger = log.New(io.MultiWriter(writers...), "", log.LstdFlags|log.Lmicroseconds)
	return l
}

// ListenToLines delivers each log line without its trailing newline.
func (l *Logging) ListenToLines(ch chan<- string) func() {
	return l.lines.Listen(ch)
}

func (l *Logging) OnLine(fn func(string)) func() {
	return l.lines.ListenFunc(fn)
}

// Rotate starts a new log file.
func (l *Logging) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// lineWriter splits writes into lines and publishes each one. A partial
// line is held until its newline arrives.
type lineWriter struct {
	mu      sync.Mutex
	pending []byte
	lines   *events.Stream[string]
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.pending = append(w.pending, p...)
	var out []string
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		out = append(out, string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	w.mu.Unlock()

	for _, line := range out {
		w.lines.Notify(line)
	}
	return len(p), nil
}
