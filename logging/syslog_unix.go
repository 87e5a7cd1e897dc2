//go:build !windows

package logging

import (
	"fmt"
	"log/syslog"

	"github.com/rs/zerolog"
)

var syslogFacilities = map[string]syslog.Priority{
	"mail":   syslog.LOG_MAIL,
	"daemon": syslog.LOG_DAEMON,
	"user":   syslog.LOG_USER,
	"local0": syslog.LOG_LOCAL0,
	"local1": syslog.LOG_LOCAL1,
	"local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3,
	"local4": syslog.LOG_LOCAL4,
	"local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6,
	"local7": syslog.LOG_LOCAL7,
}

// NewSyslogLogger creates a syslog logger on unix-like systems
func NewSyslogLogger(config *LogConfig) (Logger, error) {
	facility, ok := syslogFacilities[config.SyslogFacility]
	if !ok {
		facility = syslog.LOG_MAIL
	}

	writer, err := syslog.New(syslog.LOG_INFO|facility, "smtpmailer")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	zl := zerolog.New(zerolog.SyslogLevelWriter(writer)).Level(config.Level.zerolog())
	return &zeroLogger{zl: zl}, nil
}
