package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"smtpmailer/logging"
	"smtpmailer/message"
	"smtpmailer/smtp"
	"smtpmailer/smtptest"
)

func newTestTransport(t *testing.T, srv *smtptest.Server, mutate func(*Config)) *Transport {
	t.Helper()
	cfg := Config{
		Hostname: srv.Host(),
		Port:     srv.Port(),
		Username: "test@test.dev",
		Timeout:  5,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	return tr
}

func referenceMessage() *message.Message {
	return &message.Message{
		To:      []message.Recipient{{Name: "", Address: "a@b.com"}},
		Subject: "Hi",
		Body:    "Hello",
		Type:    message.TypeHTML,
		Charset: message.DefaultCharset,
	}
}

func lastTranscript(t *testing.T, srv *smtptest.Server) smtptest.Transcript {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ts, err := srv.WaitTranscripts(ctx, 1)
	require.NoError(t, err)
	return ts[len(ts)-1]
}

func hasCommandPrefix(commands []string, prefix string) bool {
	for _, c := range commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func countCommandPrefix(commands []string, prefix string) int {
	n := 0
	for _, c := range commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func TestSendReferenceScenario(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	tr := newTestTransport(t, srv, nil)

	delivered, err := tr.Send(context.Background(), referenceMessage())
	require.NoError(t, err)
	assert.True(t, delivered)

	ts := lastTranscript(t, srv)
	assert.Equal(t, []string{
		"EHLO localhost",
		"MAIL FROM: <test@test.dev>",
		"RCPT TO: <a@b.com>",
		"DATA",
		"QUIT",
	}, ts.Commands)
	assert.Equal(t, []string{
		"Subject: Hi",
		"Content-Type: text/html; charset=utf-8",
		"Content-Transfer-Encoding: 8bit",
		"",
		"Hello",
		"",
	}, ts.Data)
	assert.Equal(t, "Subject: Hi\r\n"+
		"Content-Type: text/html; charset=utf-8\r\n"+
		"Content-Transfer-Encoding: 8bit\r\n"+
		"\r\n"+
		"Hello\r\n", ts.Payload)
	assert.Nil(t, ts.Credentials, "no AUTH without a password")
}

func TestSendRcptRejected(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{smtptest.StepRcpt: {500}}})
	tr := newTestTransport(t, srv, nil)

	delivered, err := tr.Send(context.Background(), referenceMessage())
	assert.False(t, delivered)

	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "RCPT TO: <a@b.com>", protoErr.Command)
	assert.Equal(t, 500, protoErr.Code)
	assert.Equal(t, []int{250}, protoErr.Expected)

	ts := lastTranscript(t, srv)
	assert.False(t, hasCommandPrefix(ts.Commands, "DATA"))
	assert.False(t, hasCommandPrefix(ts.Commands, "QUIT"))
}

func TestSendQuitNotConfirmed(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{smtptest.StepQuit: {250}}})
	tr := newTestTransport(t, srv, nil)

	delivered, err := tr.Send(context.Background(), referenceMessage())
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestMailFromPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		username string
		from     string
		want     string
	}{
		{"username wins", "user@relay.test", "sender@example.com", "MAIL FROM: <user@relay.test>"},
		{"sender without username", "", "sender@example.com", "MAIL FROM: <sender@example.com>"},
		{"neither", "", "", ""},
	}

	srv := smtptest.Run(t, &smtptest.Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(t, srv, func(c *Config) { c.Username = tt.username })
			msg := referenceMessage()
			msg.From = tt.from

			delivered, err := tr.Send(context.Background(), msg)
			require.NoError(t, err)
			assert.True(t, delivered)

			ts := srv.Transcripts()
			commands := ts[len(ts)-1].Commands
			if tt.want == "" {
				assert.False(t, hasCommandPrefix(commands, "MAIL"))
				return
			}
			assert.Equal(t, tt.want, commands[1])
		})
	}
}

func TestRecipientsProperty(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})

	rapid.Check(t, func(rt *rapid.T) {
		rcpts := rapid.SliceOfN(rapid.Custom(func(rt *rapid.T) message.Recipient {
			return message.Recipient{
				Name:    rapid.StringMatching(`([A-Z][a-z]{0,6})?`).Draw(rt, "name"),
				Address: rapid.StringMatching(`[a-z]{1,8}@[a-z]{1,8}\.test`).Draw(rt, "addr"),
			}
		}), 0, 6).Draw(rt, "recipients")
		username := rapid.StringMatching(`([a-z]{1,6}@relay\.test)?`).Draw(rt, "username")
		from := rapid.StringMatching(`([a-z]{1,6}@sender\.test)?`).Draw(rt, "from")

		tr, err := NewTransport(Config{Hostname: srv.Host(), Port: srv.Port(), Username: username, Timeout: 5})
		if err != nil {
			rt.Fatalf("NewTransport: %v", err)
		}
		msg := referenceMessage()
		msg.To = rcpts
		msg.From = from

		delivered, err := tr.Send(context.Background(), msg)
		if err != nil || !delivered {
			rt.Fatalf("Send: delivered=%v err=%v", delivered, err)
		}

		ts := srv.Transcripts()
		commands := ts[len(ts)-1].Commands

		var got []string
		for _, c := range commands {
			if strings.HasPrefix(c, "RCPT TO:") {
				got = append(got, c)
			}
		}
		if len(got) != len(rcpts) {
			rt.Fatalf("got %d RCPT commands, want %d", len(got), len(rcpts))
		}
		for i, r := range rcpts {
			if want := "RCPT TO: " + r.Name + "<" + r.Address + ">"; got[i] != want {
				rt.Fatalf("RCPT %d = %q, want %q", i, got[i], want)
			}
		}

		wantSender := username
		if wantSender == "" {
			wantSender = from
		}
		hasMail := hasCommandPrefix(commands, "MAIL FROM:")
		if wantSender == "" && hasMail {
			rt.Fatalf("unexpected MAIL FROM in %v", commands)
		}
		if wantSender != "" && !hasCommandPrefix(commands, "MAIL FROM: <"+wantSender+">") {
			rt.Fatalf("MAIL FROM for %q missing in %v", wantSender, commands)
		}
	})
}

func TestGreetingAndEhlo(t *testing.T) {
	tests := []struct {
		name      string
		script    smtptest.Script
		localName string
		wantEhlo  int
		wantLine  string
	}{
		{"non-220 greeting skips EHLO", smtptest.Script{smtptest.StepGreeting: {554}}, "", 0, ""},
		{"accepted EHLO", nil, "mail.example.org", 1, "EHLO mail.example.org"},
		{"retry after rejection", smtptest.Script{smtptest.StepEhlo: {550, 250}}, "", 2, "EHLO localhost"},
		{"second rejection is ignored", smtptest.Script{smtptest.StepEhlo: {550, 550}}, "", 2, "EHLO localhost"},
		{"unusable local name", nil, "bad host!", 1, "EHLO localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := smtptest.Run(t, &smtptest.Config{Script: tt.script})
			tr := newTestTransport(t, srv, func(c *Config) { c.LocalName = tt.localName })

			delivered, err := tr.Send(context.Background(), referenceMessage())
			require.NoError(t, err)
			assert.True(t, delivered)

			commands := lastTranscript(t, srv).Commands
			assert.Equal(t, tt.wantEhlo, countCommandPrefix(commands, "EHLO"))
			if tt.wantLine != "" {
				assert.Equal(t, tt.wantLine, commands[0])
			}
		})
	}
}

func TestStartTLS(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	tr := newTestTransport(t, srv, func(c *Config) {
		c.TLS = true
		c.TLSConfig = &tls.Config{RootCAs: srv.CertPool()}
	})

	delivered, err := tr.Send(context.Background(), referenceMessage())
	require.NoError(t, err)
	assert.True(t, delivered)

	ts := lastTranscript(t, srv)
	assert.True(t, ts.TLS)
	assert.Equal(t, "STARTTLS", ts.Commands[1])
	assert.Equal(t, "MAIL FROM: <test@test.dev>", ts.Commands[2])
}

func TestStartTLSRejected(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{smtptest.StepStartTLS: {454}}})
	tr := newTestTransport(t, srv, func(c *Config) { c.TLS = true })

	_, err := tr.Send(context.Background(), referenceMessage())
	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "STARTTLS", protoErr.Command)
	assert.Equal(t, 454, protoErr.Code)

	assert.False(t, hasCommandPrefix(lastTranscript(t, srv).Commands, "MAIL"))
}

func TestStartTLSHandshakeFailure(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	// the stub certificate is not trusted by the system roots
	tr := newTestTransport(t, srv, func(c *Config) { c.TLS = true })

	delivered, err := tr.Send(context.Background(), referenceMessage())
	assert.False(t, delivered)

	var tlsErr *smtp.TLSError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, srv.Host(), tlsErr.Host)

	ts := lastTranscript(t, srv)
	assert.False(t, hasCommandPrefix(ts.Commands, "MAIL"))
	assert.False(t, ts.TLS)
}

func TestSSL(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{ImplicitTLS: true})
	tr := newTestTransport(t, srv, func(c *Config) {
		c.SSL = true
		c.TLSSkipVerify = true
	})

	delivered, err := tr.Send(context.Background(), referenceMessage())
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.True(t, lastTranscript(t, srv).TLS)
}

func TestSSLAgainstPlaintextServer(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	tr := newTestTransport(t, srv, func(c *Config) {
		c.SSL = true
		c.TLSSkipVerify = true
		c.Timeout = 2
	})

	_, err := tr.Send(context.Background(), referenceMessage())
	var sockErr *smtp.SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.Equal(t, "dial", sockErr.Op)
}

func TestAuthLogin(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	tr := newTestTransport(t, srv, func(c *Config) { c.Password = "password" })

	delivered, err := tr.Send(context.Background(), referenceMessage())
	require.NoError(t, err)
	assert.True(t, delivered)

	ts := lastTranscript(t, srv)
	assert.Equal(t, []string{
		"EHLO localhost",
		"AUTH LOGIN",
		"dGVzdEB0ZXN0LmRldg==",
		"cGFzc3dvcmQ=",
		"MAIL FROM: <test@test.dev>",
	}, ts.Commands[:5])
	require.NotNil(t, ts.Credentials)
	assert.Equal(t, "test@test.dev", ts.Credentials.Username)
	assert.Equal(t, "password", ts.Credentials.Password)
}

func TestAuthFailures(t *testing.T) {
	tests := []struct {
		name      string
		step      smtptest.Step
		code      int
		wantLabel string
	}{
		{"mechanism rejected", smtptest.StepAuth, 504, "AUTH LOGIN"},
		{"username rejected", smtptest.StepAuthUsername, 535, "username"},
		{"password rejected", smtptest.StepAuthPassword, 535, "password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{tt.step: {tt.code}}})
			tr := newTestTransport(t, srv, func(c *Config) { c.Password = "password" })

			_, err := tr.Send(context.Background(), referenceMessage())
			var protoErr *smtp.ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, tt.wantLabel, protoErr.Command)
			assert.Equal(t, tt.code, protoErr.Code)
			assert.NotContains(t, err.Error(), "cGFzc3dvcmQ=")
		})
	}
}

func TestDataConfirmation(t *testing.T) {
	script := smtptest.Script{smtptest.StepDot: {554}}

	t.Run("swallowed by default", func(t *testing.T) {
		srv := smtptest.Run(t, &smtptest.Config{Script: script})
		tr := newTestTransport(t, srv, nil)

		delivered, err := tr.Send(context.Background(), referenceMessage())
		require.NoError(t, err)
		assert.True(t, delivered)
		assert.True(t, hasCommandPrefix(lastTranscript(t, srv).Commands, "QUIT"))
	})

	t.Run("strict", func(t *testing.T) {
		srv := smtptest.Run(t, &smtptest.Config{Script: script})
		tr := newTestTransport(t, srv, func(c *Config) { c.StrictDataConfirmation = true })

		_, err := tr.Send(context.Background(), referenceMessage())
		var protoErr *smtp.ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, ".", protoErr.Command)
		assert.Equal(t, 554, protoErr.Code)
	})
}

func TestDataRejected(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{smtptest.StepData: {451}}})
	tr := newTestTransport(t, srv, nil)

	_, err := tr.Send(context.Background(), referenceMessage())
	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "DATA", protoErr.Command)
	assert.True(t, protoErr.Temporary())
}

func TestDotStuffedBody(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	tr := newTestTransport(t, srv, nil)

	msg := referenceMessage()
	msg.Body = ".starts with a dot\r\nmiddle\r\n.\r\nend"
	_, err := tr.Send(context.Background(), msg)
	require.NoError(t, err)

	ts := lastTranscript(t, srv)
	data := ts.Data[len(ts.Data)-5:]
	assert.Equal(t, []string{"..starts with a dot", "middle", "..", "end", ""}, data)
	assert.True(t, strings.HasSuffix(ts.Payload, "\r\n\r\n"+msg.Body+"\r\n"))
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	tr, err := NewTransport(Config{Hostname: "127.0.0.1", Port: addr.Port, Timeout: 2})
	require.NoError(t, err)

	delivered, err := tr.Send(context.Background(), referenceMessage())
	assert.False(t, delivered)

	var sockErr *smtp.SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.Equal(t, "dial", sockErr.Op)
	assert.Contains(t, err.Error(), "impossible to get connected to")
}

func TestReadTimeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	// accept and stay silent
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		time.Sleep(3 * time.Second)
		_ = conn.Close()
	}()

	port := l.Addr().(*net.TCPAddr).Port
	tr, err := NewTransport(Config{Hostname: "127.0.0.1", Port: port, Timeout: 1})
	require.NoError(t, err)

	start := time.Now()
	_, err = tr.Send(context.Background(), referenceMessage())
	var sockErr *smtp.SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.Equal(t, "read", sockErr.Op)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestContextDeadlineShortensReads(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		time.Sleep(2 * time.Second)
		_ = conn.Close()
	}()

	port := l.Addr().(*net.TCPAddr).Port
	tr, err := NewTransport(Config{Hostname: "127.0.0.1", Port: port, Timeout: 30})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = tr.Send(ctx, referenceMessage())
	var sockErr *smtp.SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServerClosesWithoutReply(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}()

	port := l.Addr().(*net.TCPAddr).Port
	tr, err := NewTransport(Config{Hostname: "127.0.0.1", Port: port, Timeout: 2})
	require.NoError(t, err)

	delivered, err := tr.Send(context.Background(), referenceMessage())
	assert.False(t, delivered)
	// the closed stream reads as code 0, which fails the first expectation or the socket
	require.Error(t, err)
	var protoErr *smtp.ProtocolError
	var sockErr *smtp.SocketError
	assert.True(t, errors.As(err, &protoErr) || errors.As(err, &sockErr))
}

type recordingObserver struct {
	mu       sync.Mutex
	commands []smtp.Stage
	replies  map[smtp.Stage][]int
	sends    []bool
}

func (o *recordingObserver) OnCommand(stage smtp.Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, stage)
}

func (o *recordingObserver) OnReply(stage smtp.Stage, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.replies == nil {
		o.replies = make(map[smtp.Stage][]int)
	}
	o.replies[stage] = append(o.replies[stage], code)
}

func (o *recordingObserver) OnSend(delivered bool, _ error, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sends = append(o.sends, delivered)
}

func TestObserver(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	obs := &recordingObserver{}
	tr := newTestTransport(t, srv, func(c *Config) { c.Observer = obs })

	_, err := tr.Send(context.Background(), referenceMessage())
	require.NoError(t, err)

	assert.Equal(t, []smtp.Stage{
		smtp.StageEhlo, smtp.StageMail, smtp.StageRcpt, smtp.StageData,
		smtp.StagePayload, smtp.StageDataEnd, smtp.StageQuit,
	}, obs.commands)
	assert.Equal(t, []int{220}, obs.replies[smtp.StageGreeting])
	assert.Equal(t, []int{221}, obs.replies[smtp.StageQuit])
	assert.NotContains(t, obs.replies, smtp.StagePayload)
	assert.Equal(t, []bool{true}, obs.sends)
}

func TestConcurrentSends(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	tr := newTestTransport(t, srv, nil)

	var wg sync.WaitGroup
	results := make([]bool, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tr.Send(context.Background(), referenceMessage())
		}(i)
	}
	wg.Wait()

	for i := range results {
		assert.NoError(t, errs[i])
		assert.True(t, results[i])
	}
	assert.Len(t, srv.Transcripts(), 8)
}

func TestEhloRejectionLoggedAsHelo(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{smtptest.StepEhlo: {550, 250}}})

	var buf bytes.Buffer
	tr := newTestTransport(t, srv, func(c *Config) {
		c.Logger = logging.NewWriterLogger(&logging.LogConfig{Level: logging.WARN, Format: "json"}, &buf)
	})

	delivered, err := tr.Send(context.Background(), referenceMessage())
	require.NoError(t, err)
	assert.True(t, delivered)

	assert.Contains(t, buf.String(), `"command":"HELO"`)
	assert.Contains(t, buf.String(), `"reply_code":550`)
	assert.Equal(t, "EHLO localhost", lastTranscript(t, srv).Commands[0], "the wire command is unchanged")
}

// cancelOnReply cancels the send once the given stage has read its reply.
type cancelOnReply struct {
	stage  smtp.Stage
	cancel context.CancelFunc
}

func (o *cancelOnReply) OnCommand(smtp.Stage) {}

func (o *cancelOnReply) OnReply(stage smtp.Stage, _ int) {
	if stage == o.stage {
		o.cancel()
	}
}

func (o *cancelOnReply) OnSend(bool, error, time.Duration) {}

func TestSendCancelledBetweenCommands(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := newTestTransport(t, srv, func(c *Config) {
		c.Timeout = 30
		c.Observer = &cancelOnReply{stage: smtp.StageGreeting, cancel: cancel}
	})

	start := time.Now()
	delivered, err := tr.Send(ctx, referenceMessage())
	assert.False(t, delivered)
	assert.Less(t, time.Since(start), 5*time.Second)

	var sockErr *smtp.SocketError
	require.ErrorAs(t, err, &sockErr)
	assert.Equal(t, "write", sockErr.Op)
	assert.ErrorIs(t, err, context.Canceled)

	ts := lastTranscript(t, srv)
	assert.Empty(t, ts.Commands, "nothing is written after cancellation")
}

func TestNewTransport(t *testing.T) {
	tr, err := NewTransport(Config{Hostname: "localhost"})
	require.NoError(t, err)
	cfg := tr.Config()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, "smtp://localhost:25", tr.String())

	_, err = NewTransport(Config{})
	assert.Error(t, err)
	_, err = NewTransport(Config{Hostname: "localhost", Port: 70000})
	assert.Error(t, err)
	_, err = NewTransport(Config{Hostname: "bad host name"})
	assert.Error(t, err)
}

func TestSendNilMessage(t *testing.T) {
	tr, err := NewTransport(Config{Hostname: "localhost"})
	require.NoError(t, err)
	_, err = tr.Send(context.Background(), nil)
	assert.Error(t, err)
}

func TestStageOrder(t *testing.T) {
	c := &conn{stage: smtp.StageQuit}
	assert.ErrorIs(t, c.begin(smtp.StageMail), smtp.ErrStageOrder)

	c = &conn{stage: smtp.StageRcpt}
	assert.NoError(t, c.begin(smtp.StageRcpt))
	assert.NoError(t, c.begin(smtp.StageData))
	assert.ErrorIs(t, c.begin(smtp.StageMail), smtp.ErrStageOrder)
}
