// Package smtp holds the protocol vocabulary shared by the transport and the stub server:
// reply codes, command builders, reply parsing, the client stage machine and the error types.
package smtp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	extendedRegex = regexp.MustCompile(`^([a-z]+)(\d{3})_(\d+)\.(\d+)\.(\d+)@`)
	basicRegex    = regexp.MustCompile(`^([a-z]+)(\d{3})@`)
	heloRegex     = regexp.MustCompile(`^(?:helo|ehlo)(\d{3})\.`)
)

//nolint:revive // exported constants are intentionally grouped here
const (
	// extendedCodeMatchGroups is the number of capture groups of extendedRegex plus the full match.
	extendedCodeMatchGroups = 6

	Code220 = 220
	Code221 = 221
	Code235 = 235
	Code250 = 250
	Code334 = 334
	Code354 = 354
	Code421 = 421
	Code450 = 450
	Code451 = 451
	Code452 = 452
	Code500 = 500
	Code501 = 501
	Code502 = 502
	Code503 = 503
	Code504 = 504
	Code530 = 530
	Code535 = 535
	Code550 = 550
	Code552 = 552
	Code553 = 553
	Code554 = 554
)

var replyMessages = map[int]string{
	Code220: "Service ready",
	Code221: "Service closing transmission channel",
	Code235: "Authentication successful",
	Code250: "OK",
	Code334: "",
	Code354: "Start mail input; end with <CRLF>.<CRLF>",
	Code421: "Service not available, closing transmission channel",
	Code450: "Requested mail action not taken: mailbox unavailable",
	Code451: "Requested action aborted: local error in processing",
	Code452: "Requested action not taken: insufficient system storage",
	Code500: "Syntax error, command unrecognized", //nolint:misspell // RFC 5321 uses US spelling
	Code501: "Syntax error in parameters or arguments",
	Code502: "Command not implemented",
	Code503: "Bad sequence of commands",
	Code504: "Command parameter not implemented",
	Code530: "Authentication required",
	Code535: "Authentication failed",
	Code550: "Requested action not taken: mailbox unavailable",
	Code552: "Requested mail action aborted: exceeded storage allocation",
	Code553: "Requested action not taken: mailbox name not allowed",
	Code554: "Transaction failed",
}

// ReplyText returns the standard text for a reply code.
func ReplyText(code int) string {
	if msg, ok := replyMessages[code]; ok {
		return msg
	}
	return "Unknown error"
}

// FormatReply renders a single-line reply such as "250 OK".
func FormatReply(code int) string {
	text := ReplyText(code)
	if text == "" {
		return strconv.Itoa(code)
	}
	return fmt.Sprintf("%d %s", code, text)
}

// IsPositive reports whether code is a 2xx or 3xx reply.
func IsPositive(code int) bool {
	return code >= 200 && code < 400
}

// IsTransient reports whether code is a 4xx reply.
func IsTransient(code int) bool {
	return code >= 400 && code < 500
}

// IsPermanent reports whether code is a 5xx reply.
func IsPermanent(code int) bool {
	return code >= 500 && code < 600
}

// Trigger is a reply code encoded into an address or hostname, for example
// "rcpt550_5.7.1@example.com". The stub server uses triggers to fail individual
// commands without a script.
type Trigger struct {
	Code     int
	Enhanced string
}

// Reply renders the trigger as a reply line.
func (t *Trigger) Reply() string {
	if t.Enhanced != "" {
		return fmt.Sprintf("%d %s %s", t.Code, t.Enhanced, ReplyText(t.Code))
	}
	return fmt.Sprintf("%d %s", t.Code, ReplyText(t.Code))
}

// ParseTrigger extracts a trigger with the given prefix ("mail", "rcpt", "data", "quit")
// from a mailbox address. It returns nil when the address carries none.
func ParseTrigger(prefix, mailbox string) *Trigger {
	mailbox = strings.ToLower(mailbox)

	if m := extendedRegex.FindStringSubmatch(mailbox); len(m) == extendedCodeMatchGroups && m[1] == prefix {
		if code, err := strconv.Atoi(m[2]); err == nil {
			return &Trigger{Code: code, Enhanced: m[3] + "." + m[4] + "." + m[5]}
		}
	}

	if m := basicRegex.FindStringSubmatch(mailbox); len(m) > 2 && m[1] == prefix {
		if code, err := strconv.Atoi(m[2]); err == nil {
			return &Trigger{Code: code}
		}
	}

	return nil
}

// ParseHeloTrigger extracts a trigger from an EHLO hostname like "ehlo554.example.com".
func ParseHeloTrigger(hostname string) *Trigger {
	if m := heloRegex.FindStringSubmatch(strings.ToLower(hostname)); len(m) > 1 {
		if code, err := strconv.Atoi(m[1]); err == nil {
			return &Trigger{Code: code}
		}
	}
	return nil
}
