package transport

import (
	"strings"

	"smtpmailer/message"
)

// buildPayload renders the DATA payload: subject, compiled headers, content headers,
// a blank line, the dot-stuffed body and a trailing terminator. The write primitive
// appends one more terminator, so the body is followed by an empty line before the dot.
func buildPayload(msg *message.Message) string {
	var b strings.Builder
	b.WriteString("Subject: " + msg.Subject + message.END)
	b.WriteString(msg.CompileHeaders())
	b.WriteString("Content-Type: " + msg.Type + "; charset=" + msg.Charset + message.END)
	b.WriteString("Content-Transfer-Encoding: 8bit" + message.END)
	b.WriteString(message.END)
	b.WriteString(dotStuff(msg.Body))
	b.WriteString(message.END)
	return b.String()
}

// dotStuff doubles the leading dot of every line that starts with one.
func dotStuff(body string) string {
	if body == "" {
		return body
	}
	stuffed := strings.ReplaceAll(body, "\n.", "\n..")
	if strings.HasPrefix(stuffed, ".") {
		stuffed = "." + stuffed
	}
	return stuffed
}
