package logging

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Redacted replaces credential material in log fields.
const Redacted = "[redacted]"

// ClientLogger provides SMTP client logging methods bound to one send
type ClientLogger struct {
	Logger
	sessionID string
	server    string
}

// NewClientLogger creates a client logger with a fresh session id for the given server address
func NewClientLogger(logger Logger, server string) *ClientLogger {
	sessionID := uuid.NewString()
	return &ClientLogger{
		Logger:    logger.With(F("session_id", sessionID), F("server", server)),
		sessionID: sessionID,
		server:    server,
	}
}

// LogConnection logs connection establishment
func (l *ClientLogger) LogConnection(ssl bool, duration time.Duration) {
	l.Info("SMTP connection established",
		F("ssl", ssl),
		F("duration_ms", duration.Milliseconds()))
}

// LogConnectionFailed logs a failed dial
func (l *ClientLogger) LogConnectionFailed(err error) {
	l.Error("SMTP connection failed", err)
}

// LogConnectionClosed logs connection closure
func (l *ClientLogger) LogConnectionClosed(duration time.Duration) {
	l.Debug("SMTP connection closed", F("duration_ms", duration.Milliseconds()))
}

// LogCommand logs an SMTP command sent. Commands issued during authentication are redacted.
func (l *ClientLogger) LogCommand(command, stage string) {
	fields := []Field{
		F("command", command),
		F("smtp_stage", stage),
	}
	if stage == "AUTH" {
		fields = RedactFields(fields, map[string]interface{}{"command": Redacted})
	}
	l.Debug("SMTP command sent", fields...)
}

// LogReply logs an SMTP reply received
func (l *ClientLogger) LogReply(code int, command string) {
	fields := []Field{
		F("reply_code", code),
		F("command", command),
	}

	class := strconv.Itoa(code)[:1]
	if class == "4" || class == "5" {
		l.Warn("SMTP error reply received", fields...)
		return
	}
	l.Debug("SMTP reply received", fields...)
}

// LogTLSHandshake logs TLS handshake events
func (l *ClientLogger) LogTLSHandshake(success bool, tlsVersion, cipher string, err error) {
	if !success {
		l.Error("TLS handshake failed", err)
		return
	}
	l.Info("TLS handshake successful",
		F("tls_version", tlsVersion),
		F("cipher", cipher))
}

// LogAuthentication logs the authentication exchange outcome
func (l *ClientLogger) LogAuthentication(mechanism, username string, success bool) {
	fields := []Field{
		F("auth_mechanism", mechanism),
		F("username", username),
		F("success", success),
	}
	if success {
		l.Info("SMTP authentication successful", fields...)
		return
	}
	l.Warn("SMTP authentication failed", fields...)
}

// LogDataConfirmationIgnored logs a rejected end-of-data confirmation that does not abort the send
func (l *ClientLogger) LogDataConfirmationIgnored(err error) {
	l.Warn("SMTP end of data not confirmed, continuing", F("error", err.Error()))
}

// LogSendResult logs the outcome of a send
func (l *ClientLogger) LogSendResult(delivered bool, quitCode, recipients int, duration time.Duration) {
	fields := []Field{
		F("delivered", delivered),
		F("quit_code", quitCode),
		F("rcpt_count", recipients),
		F("duration_ms", duration.Milliseconds()),
	}
	if delivered {
		l.Info("SMTP message delivered", fields...)
		return
	}
	l.Warn("SMTP message not confirmed by QUIT", fields...)
}

// SessionID returns the session ID for external use
func (l *ClientLogger) SessionID() string {
	return l.sessionID
}

// Server returns the server address this logger is bound to
func (l *ClientLogger) Server() string {
	return l.server
}
