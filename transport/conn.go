package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"slices"
	"time"

	"smtpmailer/logging"
	"smtpmailer/message"
	"smtpmailer/smtp"
)

// conn is the single connection of one send. It is never reused.
type conn struct {
	ctx      context.Context
	raw      net.Conn
	netConn  net.Conn
	tp       *textproto.Reader
	addr     string
	host     string
	timeout  time.Duration
	stage    smtp.Stage
	logger   *logging.ClientLogger
	observer Observer
	opened   time.Time
	stop     func() bool
}

func newConn(ctx context.Context, raw net.Conn, cfg *Config, logger *logging.ClientLogger) *conn {
	c := &conn{
		ctx:      ctx,
		raw:      raw,
		netConn:  raw,
		tp:       textproto.NewReader(bufio.NewReader(raw)),
		addr:     cfg.Address(),
		host:     cfg.Hostname,
		timeout:  cfg.TimeoutDuration(),
		stage:    smtp.StageConnect,
		logger:   logger,
		observer: cfg.Observer,
		opened:   time.Now(),
	}
	// Cancelling ctx unblocks any pending read or write.
	c.stop = context.AfterFunc(ctx, func() {
		_ = raw.SetDeadline(time.Now())
	})
	return c
}

func (c *conn) close() {
	c.stop()
	if err := c.netConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Debug("Error closing connection", logging.F("err", err.Error()))
	}
	c.logger.LogConnectionClosed(time.Since(c.opened))
}

// begin moves the connection to stage, enforcing the fixed order of a send.
func (c *conn) begin(stage smtp.Stage) error {
	if !c.stage.CanTransitionTo(stage) {
		return fmt.Errorf("%w: %s after %s", smtp.ErrStageOrder, stage, c.stage)
	}
	c.stage = stage
	return nil
}

func (c *conn) deadline() time.Time {
	d := time.Now().Add(c.timeout)
	if ctxDeadline, ok := c.ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// cancelled fails op once ctx is done. The deadline set by the cancellation hook would
// otherwise be replaced by the next per-operation deadline.
func (c *conn) cancelled(op string) error {
	if err := c.ctx.Err(); err != nil {
		return &smtp.SocketError{Op: op, Addr: c.addr, Err: err}
	}
	return nil
}

func (c *conn) socketError(op string, err error) error {
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return &smtp.SocketError{Op: op, Addr: c.addr, Err: err}
}

// readCode reads one reply and returns its code. A closed stream yields 0.
func (c *conn) readCode() (int, error) {
	if err := c.cancelled("read"); err != nil {
		return 0, err
	}
	if err := c.netConn.SetReadDeadline(c.deadline()); err != nil {
		return 0, c.socketError("read", err)
	}
	code, err := smtp.ReadReplyCode(c.tp)
	if err != nil {
		return 0, c.socketError("read", err)
	}
	if c.observer != nil {
		c.observer.OnReply(c.stage, code)
	}
	return code, nil
}

// send writes command followed by the line terminator.
func (c *conn) send(command, label string) error {
	if err := c.cancelled("write"); err != nil {
		return err
	}
	c.logger.LogCommand(label, c.stage.String())
	if c.observer != nil {
		c.observer.OnCommand(c.stage)
	}

	if err := c.netConn.SetWriteDeadline(c.deadline()); err != nil {
		return c.socketError("write", err)
	}
	if _, err := io.WriteString(c.netConn, command+message.END); err != nil {
		return c.socketError("write", err)
	}
	return nil
}

// exchange writes command and returns the reply code without judging it.
func (c *conn) exchange(command, label string) (int, error) {
	if err := c.send(command, label); err != nil {
		return 0, err
	}
	code, err := c.readCode()
	if err != nil {
		return 0, err
	}
	c.logger.LogReply(code, label)
	return code, nil
}

// write sends command and, when expected codes are given, reads one reply and fails
// with a ProtocolError labelled with label (or the command itself) on any other code.
func (c *conn) write(command, label string, expected ...int) (int, error) {
	if label == "" {
		label = command
	}
	if len(expected) == 0 {
		return 0, c.send(command, label)
	}

	code, err := c.exchange(command, label)
	if err != nil {
		return 0, err
	}
	if !slices.Contains(expected, code) {
		return code, &smtp.ProtocolError{Command: label, Code: code, Expected: expected}
	}
	return code, nil
}

// startTLS upgrades the connection after the server accepted STARTTLS.
func (c *conn) startTLS(cfg *tls.Config) error {
	if _, err := c.write(smtp.CmdSTARTTLS, "", smtp.Code220); err != nil {
		return err
	}

	tlsConn := tls.Client(c.netConn, cfg)
	if err := tlsConn.SetDeadline(c.deadline()); err != nil {
		return c.socketError("starttls", err)
	}
	if err := tlsConn.HandshakeContext(c.ctx); err != nil {
		c.logger.LogTLSHandshake(false, "", "", err)
		return &smtp.TLSError{Host: c.host, Err: err}
	}
	_ = tlsConn.SetDeadline(time.Time{})

	c.netConn = tlsConn
	c.tp = textproto.NewReader(bufio.NewReader(tlsConn))

	state := tlsConn.ConnectionState()
	c.logger.LogTLSHandshake(true, tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite), nil)
	return nil
}
