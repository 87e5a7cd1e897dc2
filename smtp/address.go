package smtp

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode"
)

const (
	maxASCII = 127
	// MaxDomainLength is the RFC 1035 maximum length of a domain name
	MaxDomainLength = 255
	// MaxLocalPartLength is the RFC 5321 maximum length of local part in email address
	MaxLocalPartLength = 64
)

var (
	asciiLocalRe = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+$`)
	angleAddrRe  = regexp.MustCompile(`<([^>]*)>`)
	domainRe     = regexp.MustCompile(`^[\p{L}\p{N}\p{M}](?:[\p{L}\p{N}\p{M}-]{0,61}[\p{L}\p{N}\p{M}])?` +
		`(?:\.[\p{L}\p{N}\p{M}](?:[-\p{L}\p{N}\p{M}]{0,61}[\p{L}\p{N}\p{M}])?)*$`)
)

// ExtractMailboxFromArg returns the mailbox of a MAIL or RCPT argument such as
// "FROM: <user@example.com>" or "TO: Alice<alice@example.org>". The angle-bracket
// form wins; a bare address is accepted as a fallback.
func ExtractMailboxFromArg(arg string) string {
	upper := strings.ToUpper(arg)
	if strings.HasPrefix(upper, "FROM:") {
		arg = arg[5:]
	} else if strings.HasPrefix(upper, "TO:") {
		arg = arg[3:]
	}
	arg = strings.TrimSpace(arg)

	if m := angleAddrRe.FindStringSubmatch(arg); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if a, err := mail.ParseAddress(arg); err == nil {
		return a.Address
	}
	return strings.Trim(arg, "<>")
}

// NormaliseMailbox returns the mailbox with the domain lowercased and the local part untouched.
func NormaliseMailbox(mailbox string) string {
	mailbox = strings.TrimSpace(mailbox)
	at := strings.LastIndex(mailbox, "@")
	if at == -1 {
		return ""
	}
	return mailbox[:at] + "@" + strings.ToLower(mailbox[at+1:])
}

// ValidateDomain validates a domain name, internationalised labels included.
func ValidateDomain(domain string) bool {
	if domain == "" || len(domain) > MaxDomainLength {
		return false
	}
	return domainRe.MatchString(domain)
}

// IsValidMailbox validates a bare mailbox address. Unicode letters are accepted in the
// local part only when allowUTF8Local is set.
func IsValidMailbox(mailbox string, allowUTF8Local bool) bool {
	mailbox = strings.TrimSpace(mailbox)
	if a, err := mail.ParseAddress("<" + mailbox + ">"); err == nil {
		return checkLocal(a.Address, allowUTF8Local)
	}

	at := strings.LastIndex(mailbox, "@")
	if at <= 0 || at == len(mailbox)-1 {
		return false
	}
	local, domain := mailbox[:at], mailbox[at+1:]
	if len(local) > MaxLocalPartLength || !ValidateDomain(domain) {
		return false
	}
	if strings.HasPrefix(local, `"`) && strings.HasSuffix(local, `"`) {
		return len(local) >= 2
	}
	if !allowUTF8Local {
		return asciiLocalRe.MatchString(local)
	}
	for _, r := range local {
		if !isAllowedLocalRune(r) {
			return false
		}
	}
	return true
}

func checkLocal(addr string, allowUTF8Local bool) bool {
	at := strings.LastIndex(addr, "@")
	if at == -1 {
		return false
	}
	if allowUTF8Local {
		return true
	}
	for _, r := range addr[:at] {
		if r > maxASCII {
			return false
		}
	}
	return true
}

func isAllowedLocalRune(r rune) bool {
	switch r {
	case '.', '!', '#', '$', '%', '&', '\'', '*', '+', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~', '-':
		return true
	}
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
