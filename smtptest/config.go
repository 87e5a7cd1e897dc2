// Package smtptest provides a scriptable SMTP server for exercising SMTP clients.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"smtpmailer/logging"
	"smtpmailer/storage"
)

const (
	// DefaultListenAddress binds an ephemeral loopback port.
	DefaultListenAddress = "127.0.0.1:0"

	// DefaultHostname is announced in the greeting and used for the generated certificate.
	DefaultHostname = "smtpmailer.test"

	// CertValidityHours is the number of hours that a generated certificate is valid for.
	CertValidityHours = 24

	// MinTLSVersion is the minimum TLS version supported by the server
	MinTLSVersion = tls.VersionTLS12

	// MaxMessageSize is the default maximum DATA payload in bytes (10MB)
	MaxMessageSize = 10 * 1024 * 1024

	// MaxCommandLength is the maximum allowed SMTP command length in bytes
	MaxCommandLength = 4096

	// DefaultReadTimeout bounds every read from a client.
	DefaultReadTimeout = 30 * time.Second

	// ServerGreeting is the banner text following the greeting code
	ServerGreeting = "ESMTP smtpmailer stub"
)

// Config holds the stub server configuration.
type Config struct {
	ListenAddress   string        `koanf:"listen"`
	Hostname        string        `koanf:"server-hostname"`
	ImplicitTLS     bool          `koanf:"implicit-tls"` // wrap the listener in TLS (SMTPS)
	DisableSTARTTLS bool          `koanf:"disable-starttls"`
	TLSCertFile     string        `koanf:"tls-cert-file"`
	TLSKeyFile      string        `koanf:"tls-key-file"`
	ReadTimeout     time.Duration `koanf:"read-timeout"`
	MaxMessageSize  int           `koanf:"max-message-size"`

	// Script overrides the reply codes per step. Missing steps use DefaultScript.
	Script Script `koanf:"-"`

	Mailbox  *storage.Mailbox `koanf:"-"`
	Observer Observer         `koanf:"-"`
	Logger   logging.Logger   `koanf:"-"`
}

// EnsureDefaults fills zero values with defaults.
func (c *Config) EnsureDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = MaxMessageSize
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
}

// HasTLSFiles reports whether a certificate and key were configured.
func (c *Config) HasTLSFiles() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

func (c *Config) loadCertificate() (tls.Certificate, error) {
	if c.HasTLSFiles() {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return cert, nil
	}
	return GenerateSelfSignedCert(c.Hostname)
}

// GenerateSelfSignedCert generates a self-signed certificate for the given hostname.
// The certificate also covers localhost and the loopback addresses.
func GenerateSelfSignedCert(hostname string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			//nolint:misspell // 'Organization' is the stdlib field name
			Organization: []string{"smtpmailer stub server"},
			CommonName:   hostname,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(CertValidityHours * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{hostname, "localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal EC private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create X509 key pair: %w", err)
	}
	return cert, nil
}
