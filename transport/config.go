package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"smtpmailer/logging"
	"smtpmailer/smtp"
)

const (
	// DefaultPort is the SMTP submission default when no port is configured.
	DefaultPort = 25
	// DefaultTimeout is the connect and read timeout in seconds.
	DefaultTimeout = 30
	// MinTLSVersion is the lowest TLS version offered for SSL and STARTTLS.
	MinTLSVersion = tls.VersionTLS12
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Dialer opens the underlying TCP connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Observer is notified of protocol activity. Implementations must be safe for concurrent use.
type Observer interface {
	OnCommand(stage smtp.Stage)
	OnReply(stage smtp.Stage, code int)
	OnSend(delivered bool, err error, duration time.Duration)
}

// Config holds the per-transport connection settings.
type Config struct {
	Hostname string `koanf:"hostname" validate:"required,hostname_rfc1123|ip"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	// SSL dials with implicit TLS.
	SSL bool `koanf:"ssl"`
	// TLS upgrades a plaintext connection with STARTTLS.
	TLS bool `koanf:"tls"`
	// Timeout in seconds, applied to the dial and to every read.
	Timeout   int    `koanf:"timeout" validate:"min=1"`
	LocalName string `koanf:"local-name"`

	TLSSkipVerify bool `koanf:"tls-skip-verify"`
	// StrictDataConfirmation fails the send when the end of data is not confirmed with 250.
	StrictDataConfirmation bool `koanf:"strict"`

	// TLSConfig is cloned for SSL and STARTTLS. ServerName defaults to Hostname.
	TLSConfig *tls.Config    `koanf:"-" validate:"-"`
	Dialer    Dialer         `koanf:"-" validate:"-"`
	Observer  Observer       `koanf:"-" validate:"-"`
	Logger    logging.Logger `koanf:"-" validate:"-"`
}

// EnsureDefaults sets default values for zero-valued fields.
func (c *Config) EnsureDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid transport configuration: %w", err)
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// TimeoutDuration returns Timeout as a duration.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ClientHost returns the name announced in EHLO.
func (c *Config) ClientHost() string {
	return smtp.ClientHost(c.LocalName)
}

func (c *Config) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.Hostname
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = MinTLSVersion
	}
	if c.TLSSkipVerify {
		cfg.InsecureSkipVerify = true //nolint:gosec // opt-in for test relays with self-signed certificates
	}
	return cfg
}
