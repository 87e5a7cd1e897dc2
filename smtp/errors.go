package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrStageOrder is returned when a command would break the fixed stage order of a send.
var ErrStageOrder = errors.New("smtp: stage out of order")

// SocketError reports that the connection could not be opened or maintained.
type SocketError struct {
	Op   string // "dial", "read", "write"
	Addr string
	Err  error
}

func (e *SocketError) Error() string {
	if e.Op == "dial" {
		return fmt.Sprintf("smtp: impossible to get connected to %s: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("smtp: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// ProtocolError reports that the server answered a command with an unexpected reply code.
type ProtocolError struct {
	Command  string
	Code     int
	Expected []int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("smtp: server did not accept %s with code [%d] (expected %s)",
		e.Command, e.Code, joinCodes(e.Expected))
}

// Temporary reports whether the server rejected the command with a 4xx code.
func (e *ProtocolError) Temporary() bool {
	return IsTransient(e.Code)
}

// TLSError reports a failed STARTTLS handshake. The connection is never used in plaintext
// after STARTTLS was accepted.
type TLSError struct {
	Host string
	Err  error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("smtp: can not secure the connection to %s with tls: %v", e.Host, e.Err)
}

func (e *TLSError) Unwrap() error { return e.Err }

func joinCodes(codes []int) string {
	parts := make([]string, len(codes))
	for i, c := range codes {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, "|")
}
