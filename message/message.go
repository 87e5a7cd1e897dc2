// Package message holds the mail message handed to a transport.
package message

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// END is the line terminator used on the wire and in compiled headers.
const END = "\r\n"

const (
	// TypeHTML is the default content type.
	TypeHTML = "text/html"
	// TypeText is the plain text content type.
	TypeText = "text/plain"
	// DefaultCharset is the default character set.
	DefaultCharset = "utf-8"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Recipient is one entry of the recipient list. Name is optional.
type Recipient struct {
	Name    string
	Address string `validate:"required,email"`
}

// Message is read-only from the transport's point of view.
type Message struct {
	From     string `validate:"omitempty,email"`
	FromName string
	To       []Recipient `validate:"dive"`
	Subject  string
	Body     string
	Headers  map[string]string
	Type     string `validate:"required"`
	Charset  string `validate:"required"`
}

// New creates an empty html message in the default charset.
func New() *Message {
	return &Message{
		Headers: make(map[string]string),
		Type:    TypeHTML,
		Charset: DefaultCharset,
	}
}

// SetFrom sets the sender and its From header.
func (m *Message) SetFrom(address, name string) *Message {
	m.From = address
	m.FromName = name
	m.SetHeader("From", formatAddress(name, address))
	return m
}

// AddTo appends a recipient and refreshes the To header.
func (m *Message) AddTo(address, name string) *Message {
	m.To = append(m.To, Recipient{Name: name, Address: address})

	parts := make([]string, len(m.To))
	for i, r := range m.To {
		parts[i] = formatAddress(r.Name, r.Address)
	}
	m.SetHeader("To", strings.Join(parts, ", "))
	return m
}

// SetHeader sets a header, replacing any previous value for the key.
func (m *Message) SetHeader(key, value string) *Message {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
	return m
}

// SetText switches the content type to text/plain.
func (m *Message) SetText() *Message {
	m.Type = TypeText
	return m
}

// CompileHeaders renders the header map as "Key: Value" lines, each terminated by END.
// Keys are emitted in sorted order so the block is stable.
func (m *Message) CompileHeaders() string {
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k + ": " + m.Headers[k] + END)
	}
	return b.String()
}

// Validate checks addresses and rejects line breaks in the subject and headers.
func (m *Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("invalid message: subject contains a line break")
	}
	for k, v := range m.Headers {
		if k == "" || strings.ContainsAny(k, ":\r\n ") || strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("invalid message: malformed header %q", k)
		}
	}
	return nil
}

func formatAddress(name, address string) string {
	if name == "" {
		return "<" + address + ">"
	}
	return name + " <" + address + ">"
}
