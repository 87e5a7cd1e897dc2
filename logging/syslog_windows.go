//go:build windows

package logging

import "os"

// NewSyslogLogger falls back to stdout, syslog isn't available on Windows.
func NewSyslogLogger(config *LogConfig) (Logger, error) {
	return NewWriterLogger(config, os.Stdout), nil
}
