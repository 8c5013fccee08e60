package log

import (
	"fmt"
	"log"
	"strings"
)

// Config is a declarative description of how to build a process-wide Logger,
// suitable for population from internal/config.
type Config struct {
	// Level is one of debug|info|warn|error|fatal (case-insensitive).
	Level string `koanf:"level"`
	// Format is one of text|json.
	Format string `koanf:"format"`
	// FilePath, if set, additionally writes entries to this file.
	FilePath string `koanf:"file_path"`
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from a Config, defaulting to info/text/stderr.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		formatter = &JSONFormatter{}
	case "text", "":
		formatter = &TextFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	opts := []LoggerOption{
		WithLevel(level),
		WithFormatter(formatter),
		WithOutput(NewConsoleOutput()),
	}
	if cfg.FilePath != "" {
		fo, err := NewFileOutput(cfg.FilePath)
		if err != nil {
			return nil, fmt.Errorf("log: open file output: %w", err)
		}
		opts = append(opts, WithOutput(fo))
	}
	return NewLogger(opts...), nil
}

// stdLogWriter adapts a Logger to io.Writer so the standard library's *log.Logger
// (used internally by dependencies such as Pebble) can be redirected into it.
type stdLogWriter struct {
	logger Logger
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.logger.Info(msg, Component("stdlog"))
	}
	return len(p), nil
}

// ToStdLogger returns a standard library *log.Logger that forwards to logger.
func ToStdLogger(logger Logger) *log.Logger {
	return log.New(stdLogWriter{logger: logger}, "", 0)
}

// RedirectStdLog replaces the standard library's default logger output with
// one that forwards into logger, so third-party packages using the stdlib
// "log" package (e.g. Pebble) emit consistently formatted entries.
func RedirectStdLog(logger Logger) {
	log.SetFlags(0)
	log.SetOutput(stdLogWriter{logger: logger})
}
