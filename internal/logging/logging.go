// Package logging builds the logrus logger shared by every component.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for the optional file sink
const (
	MaxFileSizeMB  = 50
	MaxFileBackups = 5
	MaxFileAgeDays = 14
)

// Options configures New
type Options struct {
	Level string
	// File, when set, receives a copy of every entry with size based rotation
	File string
	// Output defaults to stderr
	Output io.Writer
}

// Logger wraps the root logrus logger and the file sink it may own
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

// New creates the root logger
func New(opts Options) *Logger {
	l := logrus.New()
	l.Level = Level(opts.Level)
	l.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	logger := &Logger{Logger: l}
	if opts.File != "" {
		logger.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    MaxFileSizeMB,
			MaxBackups: MaxFileBackups,
			MaxAge:     MaxFileAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(out, logger.file)
	}
	l.Out = out

	return logger
}

// Component returns an entry tagged with the component name
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("prefix", name)
}

// Close flushes and closes the file sink, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Level parses a level name, falling back to info
func Level(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Discard returns an entry that drops everything. Components fall back to it
// when constructed without a logger.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}
