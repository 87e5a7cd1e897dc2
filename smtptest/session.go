package smtptest

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"smtpmailer/auth"
	"smtpmailer/logging"
	"smtpmailer/smtp"
	"smtpmailer/storage"
)

// session represents a single SMTP client connection
type session struct {
	id     string
	server *Server
	config *Config
	logger logging.Logger

	conn    net.Conn
	connTP  *textproto.Reader
	writeMu sync.Mutex

	cursor        *cursor
	transcript    Transcript
	recorded      bool
	authenticated bool
	startTime     time.Time
}

func newSession(srv *Server, conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		server: srv,
		config: srv.config,
		logger: srv.logger.With(
			logging.F("session_id", id),
			logging.F("client_ip", conn.RemoteAddr().String())),
		conn:       conn,
		cursor:     newCursor(srv.config.Script),
		transcript: Transcript{SessionID: id, TLS: srv.config.ImplicitTLS},
		startTime:  time.Now(),
	}
}

// handle processes the SMTP session until QUIT, EOF or an error
func (s *session) handle() error {
	s.logger.Info("Client connected")

	defer func() {
		s.finish()
		s.logger.Info("Client disconnected", logging.F("duration_ms", time.Since(s.startTime).Milliseconds()))
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Error closing connection", logging.F("err", err.Error()))
		}
	}()

	s.connTP = textproto.NewReader(bufio.NewReader(s.conn))

	code := s.cursor.next(StepGreeting)
	greeting := fmt.Sprintf("%d %s %s", code, s.config.Hostname, ServerGreeting)
	if err := s.reply(StepGreeting, code, greeting); err != nil {
		return err
	}

	return s.runCommandLoop()
}

func (s *session) runCommandLoop() error {
	for {
		line, err := s.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.transcript.Commands = append(s.transcript.Commands, line)

		if len(line) > MaxCommandLength {
			if err := s.replyCode(StepOther, smtp.Code500); err != nil {
				return err
			}
			continue
		}

		if err := s.handleCommand(line); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *session) readLine() (string, error) {
	if s.config.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	return s.connTP.ReadLine()
}

func (s *session) handleCommand(line string) error {
	cmd, err := smtp.ParseCommand(line)
	if err != nil {
		return s.replyCode(StepOther, smtp.Code500)
	}
	s.logger.Debug("SMTP command received", logging.F("command", cmd.Name))

	if !cmd.IsValid() {
		return s.replyCode(StepOther, smtp.Code500)
	}
	if err := cmd.ValidateArgs(); err != nil {
		return s.reply(StepOther, smtp.Code501, err.Error())
	}

	handler, ok := s.commandHandlers()[cmd.Name]
	if !ok {
		return s.replyCode(StepOther, smtp.Code502)
	}
	return handler(cmd)
}

func (s *session) commandHandlers() map[string]func(*smtp.Command) error {
	return map[string]func(*smtp.Command) error{
		smtp.CmdEHLO:     s.handleEhlo,
		smtp.CmdHELO:     s.handleHelo,
		smtp.CmdSTARTTLS: func(*smtp.Command) error { return s.handleStartTLS() },
		smtp.CmdAUTH:     s.handleAuth,
		smtp.CmdMAIL:     s.handleMail,
		smtp.CmdRCPT:     s.handleRcpt,
		smtp.CmdDATA:     func(*smtp.Command) error { return s.handleData() },
		smtp.CmdRSET:     func(*smtp.Command) error { return s.handleRset() },
		smtp.CmdNOOP:     func(*smtp.Command) error { return s.replyCode(StepOther, smtp.Code250) },
		smtp.CmdQUIT:     func(*smtp.Command) error { return s.handleQuit() },
	}
}

func (s *session) heloCode(hostname string) int {
	code := s.cursor.next(StepEhlo)
	if trigger := smtp.ParseHeloTrigger(hostname); trigger != nil {
		return trigger.Code
	}
	return code
}

func (s *session) handleHelo(cmd *smtp.Command) error {
	code := s.heloCode(cmd.Args[0])
	if code != smtp.Code250 {
		return s.replyCode(StepEhlo, code)
	}
	return s.reply(StepEhlo, code, fmt.Sprintf("250 %s Hello %s", s.config.Hostname, cmd.Args[0]))
}

func (s *session) handleEhlo(cmd *smtp.Command) error {
	code := s.heloCode(cmd.Args[0])
	if code != smtp.Code250 {
		return s.replyCode(StepEhlo, code)
	}
	return s.replyLines(StepEhlo, code, s.buildEhloResponse(cmd.Args[0]))
}

func (s *session) buildEhloResponse(hostname string) []string {
	lines := []string{fmt.Sprintf("%s greets %s", s.config.Hostname, hostname)}
	if !s.transcript.TLS && !s.config.DisableSTARTTLS {
		lines = append(lines, smtp.CmdSTARTTLS)
	}
	lines = append(lines,
		smtp.CmdAUTH+" "+auth.AuthMechanismLogin+" "+auth.AuthMechanismPlain,
		fmt.Sprintf("SIZE %d", s.config.MaxMessageSize),
		"8BITMIME")
	return lines
}

func (s *session) handleStartTLS() error {
	if s.transcript.TLS {
		return s.replyCode(StepOther, smtp.Code503)
	}
	if s.config.DisableSTARTTLS {
		return s.replyCode(StepOther, smtp.Code502)
	}

	code := s.cursor.next(StepStartTLS)
	if code != smtp.Code220 {
		return s.replyCode(StepStartTLS, code)
	}
	if err := s.reply(StepStartTLS, code, "220 Ready to start TLS"); err != nil {
		return err
	}
	return s.upgradeToTLS()
}

// upgradeToTLS performs the TLS handshake and swaps the session connection.
func (s *session) upgradeToTLS() error {
	tlsConn := tls.Server(s.conn, s.server.tlsConfig())
	if s.config.ReadTimeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Warn("TLS handshake failed", logging.F("err", err.Error()))
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	s.writeMu.Lock()
	s.conn = tlsConn
	s.writeMu.Unlock()
	s.connTP = textproto.NewReader(bufio.NewReader(tlsConn))
	s.transcript.TLS = true

	state := tlsConn.ConnectionState()
	s.logger.Info("TLS handshake successful",
		logging.F("tls_version", tls.VersionName(state.Version)),
		logging.F("cipher", tls.CipherSuiteName(state.CipherSuite)))
	return nil
}

func (s *session) handleAuth(cmd *smtp.Command) error {
	if s.authenticated {
		return s.replyCode(StepOther, smtp.Code503)
	}

	handler := auth.NewHandler(cmd.Args[0])
	if handler == nil {
		return s.replyCode(StepOther, smtp.Code504)
	}

	initial := ""
	if len(cmd.Args) > 1 {
		initial = cmd.Args[1]
	}

	prompts := []Step{StepAuth, StepAuthUsername}
	prompt := func(challenge string) (string, error) {
		step := StepAuthUsername
		if len(prompts) > 0 {
			step, prompts = prompts[0], prompts[1:]
		}
		code := s.cursor.next(step)
		if code != smtp.Code334 {
			if err := s.replyCode(step, code); err != nil {
				return "", err
			}
			return "", auth.ErrAborted
		}
		if err := s.reply(step, code, strings.TrimSpace("334 "+auth.EncodeChallenge(challenge))); err != nil {
			return "", err
		}
		line, err := s.readLine()
		if err != nil {
			return "", err
		}
		s.transcript.Commands = append(s.transcript.Commands, line)
		return line, nil
	}

	creds, err := handler.Authenticate(initial, prompt)
	switch {
	case errors.Is(err, auth.ErrAborted):
		return nil
	case err != nil:
		var netErr net.Error
		if errors.Is(err, io.EOF) || errors.As(err, &netErr) {
			return err
		}
		return s.replyCode(StepAuthPassword, smtp.Code501)
	}

	code := s.cursor.next(StepAuthPassword)
	if code == smtp.Code235 && !auth.IsValidAuth(creds.Username) {
		code = smtp.Code535
	}
	if code == smtp.Code235 {
		s.authenticated = true
		s.transcript.Credentials = &creds
	}
	s.logger.Info("Authentication attempt",
		logging.F("username", creds.Username), logging.F("success", s.authenticated))
	return s.replyCode(StepAuthPassword, code)
}

func (s *session) handleMail(cmd *smtp.Command) error {
	mailbox := smtp.ExtractMailboxFromArg(cmd.Arg())

	code := s.cursor.next(StepMail)
	if trigger := smtp.ParseTrigger("mail", mailbox); trigger != nil {
		return s.reply(StepMail, trigger.Code, trigger.Reply())
	}
	if code == smtp.Code250 {
		s.transcript.MailFrom = mailbox
		s.transcript.RcptTo = nil
	}
	return s.replyCode(StepMail, code)
}

func (s *session) handleRcpt(cmd *smtp.Command) error {
	mailbox := smtp.ExtractMailboxFromArg(cmd.Arg())

	code := s.cursor.next(StepRcpt)
	if trigger := smtp.ParseTrigger("rcpt", mailbox); trigger != nil {
		return s.reply(StepRcpt, trigger.Code, trigger.Reply())
	}
	if code == smtp.Code250 {
		s.transcript.RcptTo = append(s.transcript.RcptTo, mailbox)
	}
	return s.replyCode(StepRcpt, code)
}

func (s *session) handleData() error {
	code := s.cursor.next(StepData)
	if trigger := smtp.ParseTrigger("data", s.transcript.MailFrom); trigger != nil {
		return s.reply(StepData, trigger.Code, trigger.Reply())
	}
	if code != smtp.Code354 {
		return s.replyCode(StepData, code)
	}
	if err := s.replyCode(StepData, code); err != nil {
		return err
	}

	lines, size, err := s.readMessageContent()
	if err != nil {
		return err
	}
	s.transcript.Data = lines
	s.transcript.Payload = decodeDotLines(lines)

	if size > s.config.MaxMessageSize {
		s.logger.Warn("Message size limit exceeded",
			logging.F("current_size", size), logging.F("max_size", s.config.MaxMessageSize))
		return s.replyCode(StepDot, smtp.Code552)
	}

	code = s.cursor.next(StepDot)
	if code == smtp.Code250 {
		if err := s.storeMessage(); err != nil {
			s.logger.Error("Failed to store message", err)
			return s.replyCode(StepDot, smtp.Code451)
		}
	}
	return s.replyCode(StepDot, code)
}

// readMessageContent reads DATA lines up to the lone dot. Lines are kept as sent.
func (s *session) readMessageContent() ([]string, int, error) {
	var lines []string
	size := 0
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, 0, err
		}
		if line == smtp.DataEnd {
			return lines, size, nil
		}
		size += len(line) + 2
		if size <= s.config.MaxMessageSize {
			lines = append(lines, line)
		}
	}
}

func decodeDotLines(lines []string) string {
	decoded := make([]string, len(lines))
	for i, line := range lines {
		decoded[i] = strings.TrimPrefix(line, ".")
	}
	return strings.Join(decoded, "\r\n")
}

func (s *session) storeMessage() error {
	mb := s.config.Mailbox
	if mb == nil {
		return nil
	}
	name, err := mb.SaveMessage(&storage.Message{
		From:    s.transcript.MailFrom,
		To:      s.transcript.RcptTo,
		Payload: s.transcript.Payload + "\r\n",
	})
	if err != nil {
		return err
	}
	s.transcript.Stored = name
	return nil
}

func (s *session) handleRset() error {
	s.transcript.MailFrom = ""
	s.transcript.RcptTo = nil
	return s.replyCode(StepOther, smtp.Code250)
}

func (s *session) handleQuit() error {
	code := s.cursor.next(StepQuit)
	if trigger := smtp.ParseTrigger("quit", s.transcript.MailFrom); trigger != nil {
		code = trigger.Code
	}
	// Record before replying so a client that has read the reply sees the transcript.
	s.finish()
	if err := s.replyCode(StepQuit, code); err != nil {
		return err
	}
	return io.EOF
}

func (s *session) finish() {
	if s.recorded {
		return
	}
	s.recorded = true
	s.server.record(s.transcript)
}

func (s *session) replyCode(step Step, code int) error {
	return s.reply(step, code, smtp.FormatReply(code))
}

func (s *session) reply(step Step, code int, line string) error {
	return s.write(step, code, line+"\r\n")
}

// replyLines writes a multi-line reply, using "code-" continuation lines for all but the last line.
func (s *session) replyLines(step Step, code int, lines []string) error {
	var b strings.Builder
	for i, text := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", code, sep, text)
	}
	return s.write(step, code, b.String())
}

// write notifies the observer before the reply reaches the client.
func (s *session) write(step Step, code int, data string) error {
	if s.config.Observer != nil {
		s.config.Observer.OnReply(step, code)
	}

	s.writeMu.Lock()
	_, err := io.WriteString(s.conn, data)
	s.writeMu.Unlock()

	s.logger.Debug("SMTP response sent", logging.F("step", string(step)), logging.F("reply_code", code))
	return err
}

// closeWith421 notifies the client that the service is closing and drops the connection.
func (s *session) closeWith421(reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = fmt.Fprintf(s.conn, "%d %s\r\n", smtp.Code421, reason)
	_ = s.conn.Close()
}
