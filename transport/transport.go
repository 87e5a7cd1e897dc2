// Package transport delivers messages over SMTP, one connection per message.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"smtpmailer/auth"
	"smtpmailer/logging"
	"smtpmailer/message"
	"smtpmailer/smtp"
)

// Transport sends messages with a fixed configuration. It is safe for concurrent use;
// every Send owns a private connection.
type Transport struct {
	config Config
	logger logging.Logger
}

// NewTransport validates cfg and returns a transport using it.
func NewTransport(cfg Config) (*Transport, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		config: cfg,
		logger: cfg.Logger.With(logging.F("component", "transport")),
	}, nil
}

// Config returns a copy of the transport configuration.
func (t *Transport) Config() Config {
	return t.config
}

// Send delivers msg. It reports true when the server answered QUIT with 221 and false
// for any other QUIT reply. Failures before QUIT are returned as *smtp.SocketError,
// *smtp.ProtocolError or *smtp.TLSError.
func (t *Transport) Send(ctx context.Context, msg *message.Message) (delivered bool, err error) {
	if msg == nil {
		return false, errors.New("transport: nil message")
	}

	start := time.Now()
	logger := logging.NewClientLogger(t.logger, t.config.Address())

	quitCode := 0
	defer func() {
		if err != nil {
			logger.Error("SMTP send failed", err, logging.F("duration_ms", time.Since(start).Milliseconds()))
		} else {
			logger.LogSendResult(delivered, quitCode, len(msg.To), time.Since(start))
		}
		if t.config.Observer != nil {
			t.config.Observer.OnSend(delivered, err, time.Since(start))
		}
	}()

	c, err := t.connect(ctx, logger)
	if err != nil {
		return false, err
	}
	defer c.close()

	if err := t.open(c); err != nil {
		return false, err
	}
	if err := t.transmit(c, msg); err != nil {
		return false, err
	}

	if err := c.begin(smtp.StageQuit); err != nil {
		return false, err
	}
	quitCode, err = c.exchange(smtp.CmdQUIT, "")
	if err != nil {
		return false, err
	}
	return quitCode == smtp.Code221, nil
}

// connect dials the server, with implicit TLS when SSL is set.
func (t *Transport) connect(ctx context.Context, logger *logging.ClientLogger) (*conn, error) {
	cfg := &t.config
	addr := cfg.Address()
	start := time.Now()

	var netDialer Dialer = &net.Dialer{Timeout: cfg.TimeoutDuration()}
	if cfg.Dialer != nil {
		netDialer = cfg.Dialer
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.TimeoutDuration())
	defer cancel()

	raw, err := netDialer.DialContext(dialCtx, "tcp", addr)
	if err == nil && cfg.SSL {
		tlsConn := tls.Client(raw, cfg.tlsConfig())
		if err = tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = raw.Close()
		} else {
			raw = tlsConn
		}
	}
	if err != nil {
		sockErr := &smtp.SocketError{Op: "dial", Addr: addr, Err: err}
		logger.LogConnectionFailed(sockErr)
		return nil, sockErr
	}

	logger.LogConnection(cfg.SSL, time.Since(start))
	return newConn(ctx, raw, cfg, logger), nil
}

// open runs greeting, EHLO, STARTTLS and AUTH.
func (t *Transport) open(c *conn) error {
	cfg := &t.config

	if err := c.begin(smtp.StageGreeting); err != nil {
		return err
	}
	greeting, err := c.readCode()
	if err != nil {
		return err
	}
	c.logger.LogReply(greeting, "greeting")

	if greeting == smtp.Code220 {
		if err := t.ehlo(c); err != nil {
			return err
		}
	}

	if cfg.TLS {
		if err := c.begin(smtp.StageStartTLS); err != nil {
			return err
		}
		if err := c.startTLS(cfg.tlsConfig()); err != nil {
			return err
		}
	}

	if auth.Enabled(cfg.Username, cfg.Password) {
		if err := c.begin(smtp.StageAuth); err != nil {
			return err
		}
		if err := authenticate(c, cfg.Username, cfg.Password); err != nil {
			return err
		}
	}
	return nil
}

// ehloLabel names the greeting exchange in logs.
const ehloLabel = "HELO"

// ehlo announces the client. A rejected EHLO is sent once more and the second reply
// is ignored; neither attempt fails the send.
func (t *Transport) ehlo(c *conn) error {
	command := smtp.Ehlo(t.config.ClientHost())

	if err := c.begin(smtp.StageEhlo); err != nil {
		return err
	}
	code, err := c.exchange(command, ehloLabel)
	if err != nil {
		return err
	}
	if code == smtp.Code250 {
		return nil
	}

	if err := c.begin(smtp.StageEhlo); err != nil {
		return err
	}
	_, err = c.exchange(command, ehloLabel)
	return err
}

func authenticate(c *conn, username, password string) error {
	user64, pass64 := auth.LoginResponses(username, password)

	steps := []struct {
		command, label string
		code           int
	}{
		{smtp.AuthLogin, smtp.AuthLogin, smtp.Code334},
		{user64, "username", smtp.Code334},
		{pass64, "password", smtp.Code235},
	}
	for _, step := range steps {
		if _, err := c.write(step.command, step.label, step.code); err != nil {
			c.logger.LogAuthentication(auth.AuthMechanismLogin, username, false)
			return err
		}
	}
	c.logger.LogAuthentication(auth.AuthMechanismLogin, username, true)
	return nil
}

// transmit runs MAIL FROM, RCPT TO, DATA, the payload and the end of data.
func (t *Transport) transmit(c *conn, msg *message.Message) error {
	sender := t.config.Username
	if sender == "" {
		sender = msg.From
	}
	if sender != "" {
		if err := c.begin(smtp.StageMail); err != nil {
			return err
		}
		if _, err := c.write(smtp.MailFrom(sender), "", smtp.Code250); err != nil {
			return err
		}
	}

	for _, rcpt := range msg.To {
		if err := c.begin(smtp.StageRcpt); err != nil {
			return err
		}
		if _, err := c.write(smtp.RcptTo(rcpt.Name, rcpt.Address), "", smtp.Code250); err != nil {
			return err
		}
	}

	if err := c.begin(smtp.StageData); err != nil {
		return err
	}
	if _, err := c.write(smtp.CmdDATA, "", smtp.Code354); err != nil {
		return err
	}

	if err := c.begin(smtp.StagePayload); err != nil {
		return err
	}
	if _, err := c.write(buildPayload(msg), "payload"); err != nil {
		return err
	}

	if err := c.begin(smtp.StageDataEnd); err != nil {
		return err
	}
	if _, err := c.write(smtp.DataEnd, "", smtp.Code250); err != nil {
		var protoErr *smtp.ProtocolError
		if !errors.As(err, &protoErr) || t.config.StrictDataConfirmation {
			return err
		}
		c.logger.LogDataConfirmationIgnored(err)
	}
	return nil
}

// String describes the transport target.
func (t *Transport) String() string {
	scheme := "smtp"
	if t.config.SSL {
		scheme = "smtps"
	}
	return fmt.Sprintf("%s://%s", scheme, t.config.Address())
}
