package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes structured entries to stdout and a rotated file under dir.
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

// New creates the service logger. An empty dir logs to stdout only.
func New(dir, level string) (*Logger, error) {
	lvl := logrus.InfoLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	base := logrus.New()
	base.SetLevel(lvl)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	l := &Logger{Logger: base}
	if dir == "" {
		base.SetOutput(os.Stdout)
		return l, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs folder failed: %w", err)
	}
	l.file = &lumberjack.Logger{
		Filename:   filepath.Join(dir, "stockwatch.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 7,
		MaxAge:     28, // days
		Compress:   true,
	}
	// Output to both file and console
	base.SetOutput(io.MultiWriter(l.file, os.Stdout))
	return l, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	return &Logger{Logger: base}
}

// Close flushes and closes the rotated file, if any.
func (l *Logger) Close() {
	if l.file == nil {
		return
	}
	_ = l.file.Close()
}
