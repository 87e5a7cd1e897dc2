// Package logging provides structured logging for smtpmailer
package logging

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// DEBUG level for debug messages
	DEBUG LogLevel = iota
	// INFO level for information messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

const (
	// DebugLevel represents the debug log level
	DebugLevel = "DEBUG"
	// InfoLevel represents the info log level
	InfoLevel = "INFO"
	// WarnLevel represents the warn log level
	WarnLevel = "WARN"
	// ErrorLevel represents the error log level
	ErrorLevel = "ERROR"
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return DebugLevel
	case INFO:
		return InfoLevel
	case WARN:
		return WarnLevel
	case ERROR:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel converts string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case DebugLevel:
		return DEBUG
	case InfoLevel:
		return INFO
	case WarnLevel, "WARNING":
		return WARN
	case ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// F is a convenience function for creating fields
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	With(fields ...Field) Logger
	SetLevel(level LogLevel)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level          LogLevel
	Format         string // "json" or "text"
	Output         string // "stdout", "stderr", "syslog", "tcp", "udp"
	RemoteAddr     string // for tcp/udp output
	SyslogFacility string // syslog facility
}

// DefaultConfig returns default logging configuration
func DefaultConfig() LogConfig {
	return LogConfig{
		Level:          INFO,
		Format:         "json",
		Output:         "stderr",
		SyslogFacility: "mail",
	}
}

// LoadConfigFromEnv loads logging configuration from environment variables
func LoadConfigFromEnv() LogConfig {
	config := DefaultConfig()

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = ParseLogLevel(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = format
	}
	if output := os.Getenv("LOG_OUTPUT"); output != "" {
		config.Output = output
	}
	if addr := os.Getenv("LOG_REMOTE_ADDR"); addr != "" {
		config.RemoteAddr = addr
	}
	if facility := os.Getenv("SYSLOG_FACILITY"); facility != "" {
		config.SyslogFacility = facility
	}

	return config
}

// NewLogger creates a new logger based on configuration
func NewLogger(config *LogConfig) (Logger, error) {
	switch config.Output {
	case "syslog":
		return NewSyslogLogger(config)
	case "tcp", "udp":
		if config.RemoteAddr == "" {
			return nil, fmt.Errorf("remote address required for %s logging", config.Output)
		}
		return NewWriterLogger(config, &remoteWriter{protocol: config.Output, addr: config.RemoteAddr}), nil
	case "stdout":
		return NewWriterLogger(config, os.Stdout), nil
	default:
		return NewWriterLogger(config, os.Stderr), nil
	}
}

// NewWriterLogger creates a logger writing formatted entries to w.
func NewWriterLogger(config *LogConfig, w io.Writer) Logger {
	if config.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(w).Level(config.Level.zerolog()).With().Timestamp().Logger()
	return &zeroLogger{zl: zl}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

// zeroLogger adapts a zerolog.Logger to the Logger interface
type zeroLogger struct {
	zl zerolog.Logger
}

func appendFields(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, field := range fields {
		e = e.Interface(field.Key, field.Value)
	}
	return e
}

func (l *zeroLogger) Debug(msg string, fields ...Field) {
	appendFields(l.zl.Debug(), fields).Msg(msg)
}

func (l *zeroLogger) Info(msg string, fields ...Field) {
	appendFields(l.zl.Info(), fields).Msg(msg)
}

func (l *zeroLogger) Warn(msg string, fields ...Field) {
	appendFields(l.zl.Warn(), fields).Msg(msg)
}

func (l *zeroLogger) Error(msg string, err error, fields ...Field) {
	appendFields(l.zl.Error().Err(err), fields).Msg(msg)
}

func (l *zeroLogger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, field := range fields {
		ctx = ctx.Interface(field.Key, field.Value)
	}
	return &zeroLogger{zl: ctx.Logger()}
}

func (l *zeroLogger) SetLevel(level LogLevel) {
	l.zl = l.zl.Level(level.zerolog())
}

// remoteWriter sends every entry to a TCP/UDP endpoint, falling back to stdout
// when the endpoint cannot be reached
type remoteWriter struct {
	protocol string
	addr     string
}

func (w *remoteWriter) Write(p []byte) (int, error) {
	conn, err := net.Dial(w.protocol, w.addr)
	if err != nil {
		return os.Stdout.Write(p)
	}
	defer func() {
		_ = conn.Close()
	}()

	return conn.Write(p)
}

// RedactFields returns a copy of the provided fields slice with values replaced
// according to the replacements map.
func RedactFields(fields []Field, replacements map[string]interface{}) []Field {
	out := make([]Field, len(fields))
	copy(out, fields)
	for i, f := range out {
		if v, ok := replacements[f.Key]; ok {
			out[i].Value = v
		}
	}
	return out
}
