package smtptest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"smtpmailer/logging"
	"smtpmailer/storage"
)

// Server is a scriptable SMTP server instance
type Server struct {
	config *Config
	logger logging.Logger
	cert   tls.Certificate
	leaf   *x509.Certificate

	listener net.Listener
	acceptWG sync.WaitGroup

	// active sessions tracking
	sessions   map[*session]struct{}
	sessionsMu sync.Mutex
	sessionsWG sync.WaitGroup

	transcriptsMu sync.Mutex
	transcripts   []Transcript
	changed       chan struct{}

	shuttingDown atomic.Bool
}

// NewServer creates a server for the given configuration. Call Start to listen.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = &Config{}
	}
	config.EnsureDefaults()

	cert, err := config.loadCertificate()
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Server{
		config:   config,
		logger:   config.Logger.With(logging.F("component", "smtptest")),
		cert:     cert,
		leaf:     leaf,
		sessions: make(map[*session]struct{}),
		changed:  make(chan struct{}),
	}, nil
}

// Run starts a server for a test and shuts it down when the test ends.
func Run(tb testing.TB, config *Config) *Server {
	tb.Helper()

	srv, err := NewServer(config)
	if err != nil {
		tb.Fatalf("smtptest: %v", err)
	}
	if err := srv.Start(); err != nil {
		tb.Fatalf("smtptest: %v", err)
	}
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

// Start opens the listener and accepts connections in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	if s.config.ImplicitTLS {
		listener = tls.NewListener(listener, s.tlsConfig())
	}
	s.listener = listener

	s.logger.Info("Stub SMTP server started",
		logging.F("addr", listener.Addr().String()),
		logging.F("implicit_tls", s.config.ImplicitTLS),
		logging.F("starttls", !s.config.DisableSTARTTLS),
		logging.F("script", s.config.Script.String()))

	s.acceptWG.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.shuttingDown.Load() {
				s.logger.Debug("Listener closed, exiting accept loop")
				return
			}
			s.logger.Warn("Failed to accept connection", logging.F("err", err.Error()))
			continue
		}

		sess := newSession(s, conn)
		s.registerSession(sess)
		go func() {
			defer s.unregisterSession(sess)
			if err := sess.handle(); err != nil {
				s.logger.Debug("Session ended with error",
					logging.F("session_id", sess.id), logging.F("err", err.Error()))
			}
		}()
	}
}

func (s *Server) tlsConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		MinVersion:   MinTLSVersion,
	}
}

// Addr returns the listening address as host:port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// CertPool returns a pool trusting the server certificate.
func (s *Server) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.leaf)
	return pool
}

// Mailbox returns the configured mailbox, if any.
func (s *Server) Mailbox() *storage.Mailbox {
	return s.config.Mailbox
}

// Transcripts returns a copy of the transcripts of all finished sessions.
func (s *Server) Transcripts() []Transcript {
	s.transcriptsMu.Lock()
	defer s.transcriptsMu.Unlock()

	out := make([]Transcript, len(s.transcripts))
	for i, t := range s.transcripts {
		out[i] = t.clone()
	}
	return out
}

// WaitTranscripts blocks until at least n sessions have finished or ctx is done.
func (s *Server) WaitTranscripts(ctx context.Context, n int) ([]Transcript, error) {
	for {
		s.transcriptsMu.Lock()
		count := len(s.transcripts)
		changed := s.changed
		s.transcriptsMu.Unlock()

		if count >= n {
			return s.Transcripts(), nil
		}

		select {
		case <-ctx.Done():
			return s.Transcripts(), ctx.Err()
		case <-changed:
		}
	}
}

func (s *Server) record(t Transcript) {
	s.transcriptsMu.Lock()
	s.transcripts = append(s.transcripts, t.clone())
	close(s.changed)
	s.changed = make(chan struct{})
	s.transcriptsMu.Unlock()

	if s.config.Observer != nil {
		s.config.Observer.OnMessage(&t)
	}
}

// registerSession records an active session and increments the waitgroup
func (s *Server) registerSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[sess] = struct{}{}
	s.sessionsWG.Add(1)
}

// unregisterSession removes a session and decrements the waitgroup
func (s *Server) unregisterSession(sess *session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, sess)
	s.sessionsWG.Done()
}

func (s *Server) activeSessionSnapshot() []*session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for k := range s.sessions {
		out = append(out, k)
	}
	return out
}

// Shutdown stops accepting new connections, closes active sessions with a 421
// and waits up to ctx for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("Error closing listener", logging.F("err", err.Error()))
		}
	}
	s.acceptWG.Wait()

	sessions := s.activeSessionSnapshot()
	if len(sessions) > 0 {
		s.logger.Info("Shutting down: notifying active sessions", logging.F("sessions", len(sessions)))
	}
	for _, sess := range sessions {
		sess.closeWith421("Service shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWG.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		s.logger.Info("Stub SMTP server stopped")
		return nil
	}
}
