// Package auth provides the SMTP AUTH exchanges used by smtpmailer: the client side of
// AUTH LOGIN and the server-side decoders used by the stub server.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// AuthMechanismPlain represents the PLAIN authentication mechanism.
	AuthMechanismPlain = "PLAIN"

	// AuthMechanismLogin represents the LOGIN authentication mechanism.
	AuthMechanismLogin = "LOGIN"
)

// ErrAborted is returned by a Prompt when the exchange was ended by a non-334 reply.
var ErrAborted = errors.New("auth: exchange aborted")

// Credentials are the decoded identity of an AUTH exchange.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Prompt sends a 334 challenge to the client and returns the client's response line.
type Prompt func(challenge string) (string, error)

// Handler is the interface for server-side authentication handlers.
// initial is the optional response given on the AUTH command line itself.
type Handler interface {
	Authenticate(initial string, prompt Prompt) (Credentials, error)
}

// PlainHandler implements the PLAIN authentication mechanism.
type PlainHandler struct{}

// LoginHandler implements the LOGIN authentication mechanism.
type LoginHandler struct{}

// Authenticate handles PLAIN authentication.
func (h *PlainHandler) Authenticate(initial string, prompt Prompt) (Credentials, error) {
	authData := initial
	if authData == "" {
		line, err := prompt("")
		if err != nil {
			return Credentials{}, err
		}
		authData = line
	}

	decoded, err := decodeField(authData)
	if err != nil {
		return Credentials{}, err
	}

	// PLAIN format: authzid\0username\0password
	parts := strings.SplitN(decoded, "\x00", 3)
	if len(parts) != 3 {
		return Credentials{}, fmt.Errorf("invalid PLAIN format")
	}
	return Credentials{Username: parts[1], Password: parts[2]}, nil
}

// Authenticate handles LOGIN authentication.
func (h *LoginHandler) Authenticate(initial string, prompt Prompt) (Credentials, error) {
	var creds Credentials

	usernameB64 := initial
	if usernameB64 == "" {
		line, err := prompt("Username:")
		if err != nil {
			return creds, err
		}
		usernameB64 = line
	}
	username, err := decodeField(usernameB64)
	if err != nil {
		return creds, fmt.Errorf("invalid username encoding: %w", err)
	}
	creds.Username = username

	passwordB64, err := prompt("Password:")
	if err != nil {
		return creds, err
	}
	password, err := decodeField(passwordB64)
	if err != nil {
		return creds, fmt.Errorf("invalid password encoding: %w", err)
	}
	creds.Password = password

	return creds, nil
}

// NewHandler creates a new authentication handler for the specified mechanism.
func NewHandler(mechanism string) Handler {
	switch strings.ToUpper(mechanism) {
	case AuthMechanismPlain:
		return &PlainHandler{}
	case AuthMechanismLogin:
		return &LoginHandler{}
	default:
		return nil
	}
}

// IsValidAuth checks if the provided username is valid for authentication.
func IsValidAuth(username string) bool {
	return !strings.Contains(username, "badauth")
}

// Enabled reports whether a client should authenticate. Both values must be set.
func Enabled(username, password string) bool {
	return username != "" && password != ""
}

// LoginResponses returns the two client responses of an AUTH LOGIN exchange:
// base64(username) and base64(password).
func LoginResponses(username, password string) (string, string) {
	return base64.StdEncoding.EncodeToString([]byte(username)),
		base64.StdEncoding.EncodeToString([]byte(password))
}

// EncodeChallenge renders the text that follows "334 " for a challenge.
func EncodeChallenge(challenge string) string {
	if challenge == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(challenge))
}

func decodeField(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("no auth data provided")
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid base64")
	}
	return string(decoded), nil
}
