package smtp

import (
	"fmt"
	"regexp"
	"strings"
)

// Command name constants
const (
	CmdEHLO     = "EHLO"
	CmdHELO     = "HELO"
	CmdSTARTTLS = "STARTTLS"
	CmdAUTH     = "AUTH"
	CmdMAIL     = "MAIL"
	CmdRCPT     = "RCPT"
	CmdDATA     = "DATA"
	CmdRSET     = "RSET"
	CmdNOOP     = "NOOP"
	CmdQUIT     = "QUIT"
)

// DefaultClientHost is announced in EHLO when the configured name is missing or unusable.
const DefaultClientHost = "localhost"

var clientHostRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ClientHost returns name when it is a usable EHLO argument and DefaultClientHost otherwise.
func ClientHost(name string) string {
	if clientHostRe.MatchString(name) {
		return name
	}
	return DefaultClientHost
}

// Ehlo builds the EHLO command line.
func Ehlo(host string) string { return CmdEHLO + " " + host }

// MailFrom builds the MAIL FROM command line.
func MailFrom(addr string) string { return "MAIL FROM: <" + addr + ">" }

// RcptTo builds the RCPT TO command line. The display name is prepended verbatim
// to the bracketed address when it is not empty.
func RcptTo(name, addr string) string { return "RCPT TO: " + name + "<" + addr + ">" }

// AuthLogin is the command that opens a LOGIN authentication exchange.
const AuthLogin = "AUTH LOGIN"

// DataEnd is the lone dot that terminates the DATA payload.
const DataEnd = "."

// Command represents an SMTP command with its name and arguments.
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a line of text into an SMTP command.
func ParseCommand(line string) (*Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	return &Command{
		Name: strings.ToUpper(parts[0]),
		Args: parts[1:],
	}, nil
}

// Arg returns the arguments joined by a single space.
func (c *Command) Arg() string {
	return strings.Join(c.Args, " ")
}

// IsValid checks if the command is one the stub server understands.
func (c *Command) IsValid() bool {
	switch c.Name {
	case CmdEHLO, CmdHELO, CmdSTARTTLS, CmdAUTH, CmdMAIL, CmdRCPT, CmdDATA, CmdRSET, CmdNOOP, CmdQUIT:
		return true
	}
	return false
}

// ValidateArgs checks the arguments are present for commands that need them.
func (c *Command) ValidateArgs() error {
	arg := strings.ToUpper(c.Arg())

	switch c.Name {
	case CmdEHLO, CmdHELO, CmdAUTH:
		if len(c.Args) < 1 {
			return fmt.Errorf("501 Syntax error in parameters")
		}
	case CmdMAIL:
		if !strings.HasPrefix(arg, "FROM:") {
			return fmt.Errorf("501 Syntax error in parameters")
		}
	case CmdRCPT:
		if !strings.HasPrefix(arg, "TO:") {
			return fmt.Errorf("501 Syntax error in parameters")
		}
	}
	return nil
}
