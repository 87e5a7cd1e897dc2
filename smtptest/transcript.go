package smtptest

import "smtpmailer/auth"

// Transcript records what a client sent during one session.
type Transcript struct {
	SessionID string `json:"session_id"`
	// Commands holds every line received outside of DATA, in order.
	Commands []string `json:"commands"`
	// Data holds the DATA lines as received on the wire, dot-stuffing included,
	// without the terminating dot.
	Data []string `json:"data,omitempty"`
	// Payload is Data with dot-stuffing removed, joined with CRLF.
	Payload string `json:"payload,omitempty"`

	MailFrom    string            `json:"mail_from,omitempty"`
	RcptTo      []string          `json:"rcpt_to,omitempty"`
	Credentials *auth.Credentials `json:"credentials,omitempty"`
	TLS         bool              `json:"tls"`
	// Stored is the mailbox file name when the payload was saved.
	Stored string `json:"stored,omitempty"`
}

func (t Transcript) clone() Transcript {
	out := t
	out.Commands = append([]string(nil), t.Commands...)
	out.Data = append([]string(nil), t.Data...)
	out.RcptTo = append([]string(nil), t.RcptTo...)
	if t.Credentials != nil {
		creds := *t.Credentials
		out.Credentials = &creds
	}
	return out
}

// Observer is notified of server activity. Calls are made from session goroutines.
type Observer interface {
	OnReply(step Step, code int)
	OnMessage(t *Transcript)
}
