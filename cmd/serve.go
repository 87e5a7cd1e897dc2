package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"smtpmailer/logging"
	"smtpmailer/metrics"
	"smtpmailer/smtptest"
	"smtpmailer/storage"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the scriptable stub SMTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, nil)
		},
	}

	f := c.Flags()
	f.String("listen", "127.0.0.1:2525", "SMTP listen address")
	f.String("server-hostname", smtptest.DefaultHostname, "Hostname announced in the greeting and certificate")
	f.Bool("implicit-tls", false, "Wrap the listener in TLS (SMTPS)")
	f.Bool("disable-starttls", false, "Do not offer STARTTLS")
	f.String("tls-cert-file", "", "Path to TLS certificate file")
	f.String("tls-key-file", "", "Path to TLS private key file")
	f.Duration("read-timeout", smtptest.DefaultReadTimeout, "Per-read client timeout")
	f.Int("max-message-size", smtptest.MaxMessageSize, "Maximum DATA payload in bytes")
	f.StringP("mailbox", "m", "", "Maildir directory for accepted messages (disabled when empty)")
	f.String("script", "", "Reply codes per step, e.g. ehlo=550|250,rcpt=550")
	f.String("http-listen", "127.0.0.1:8025", "Inspection API and /metrics listen address (disabled when empty)")
	return c
}

// runServe runs until ctx is done. ready, when set, receives the SMTP and HTTP listen addresses.
func runServe(ctx context.Context, cmd *cobra.Command, ready func(smtpAddr, httpAddr string)) error {
	k, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := newLogger(k)
	if err != nil {
		return err
	}

	cfg, err := serverConfig(k, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cfg.Observer = metrics.NewStubCollector(reg)

	srv, err := smtptest.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}

	httpAddr := ""
	var httpSrv *http.Server
	httpErr := make(chan error, 1)
	if addr := k.String("http-listen"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			shutdownServer(srv, logger)
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		httpAddr = ln.Addr().String()
		h := &apiHandler{server: srv, mailbox: cfg.Mailbox, logger: logger.With(logging.F("component", "api"))}
		httpSrv = &http.Server{
			Handler:           newRouter(h, reg, metrics.NewHTTPCollector(reg)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
		logger.Info("Inspection API started", logging.F("addr", httpAddr))
	}

	printListening(cmd.OutOrStdout(), srv.Addr(), httpAddr)
	if ready != nil {
		ready(srv.Addr(), httpAddr)
	}

	select {
	case <-ctx.Done():
	case err = <-httpErr:
		logger.Error("Inspection API failed", err)
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Inspection API shutdown failed", logging.F("error", err.Error()))
		}
		cancel()
	}
	shutdownServer(srv, logger)
	return err
}

func serverConfig(k *koanf.Koanf, logger logging.Logger) (*smtptest.Config, error) {
	var cfg smtptest.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logger = logger

	script, err := smtptest.ParseScript(k.String("script"))
	if err != nil {
		return nil, err
	}
	cfg.Script = script

	if dir := k.String("mailbox"); dir != "" {
		mb, err := storage.NewMailbox(fs, dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open mailbox: %w", err)
		}
		cfg.Mailbox = mb
	}
	return &cfg, nil
}

func shutdownServer(srv *smtptest.Server, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Stub server shutdown failed", logging.F("error", err.Error()))
	}
}

func printListening(w io.Writer, smtpAddr, httpAddr string) {
	_, _ = fmt.Fprintf(w, "smtp listening on %s\n", smtpAddr)
	if httpAddr != "" {
		_, _ = fmt.Fprintf(w, "http listening on %s\n", httpAddr)
	}
}
