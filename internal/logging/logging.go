// Package logging configures the process-wide logrus logger and carries
// request identifiers through contexts so log lines from one request can be
// correlated.
package logging

import (
	"context"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type requestIDKey struct{}

// WithRequestID returns a context tagged with the request identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID extracts the request identifier, empty when untagged.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Entry returns a logrus entry carrying the context's request id, if any.
func Entry(ctx context.Context) *log.Entry {
	if id := GetRequestID(ctx); id != "" {
		return log.WithField("request_id", id)
	}
	return log.NewEntry(log.StandardLogger())
}

// Options controls Setup.
type Options struct {
	Level string
	// File enables rotated file output alongside stderr when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup configures the standard logrus logger: level, text formatting with
// full timestamps, and optional lumberjack-rotated file output.
func Setup(opts Options) {
	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if opts.File == "" {
		log.SetOutput(os.Stderr)
		return
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 50
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	rotated := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotated))
}
