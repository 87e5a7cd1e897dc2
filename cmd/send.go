package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"smtpmailer/logging"
	"smtpmailer/message"
	"smtpmailer/metrics"
	"smtpmailer/transport"
)

// fs is the filesystem used for --body-file and the serve mailbox.
var fs = afero.NewOsFs()

// ErrNotDelivered is returned when the server did not answer QUIT with 221.
var ErrNotDelivered = errors.New("message not confirmed by the server")

// mailDefaults are applied when the command line leaves the sender or charset empty.
type mailDefaults struct {
	From     string `koanf:"from"`
	FromName string `koanf:"from-name"`
	Charset  string `koanf:"charset"`
}

func newSendCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "send",
		Short: "Deliver one message",
		Args:  cobra.NoArgs,
		RunE:  runSend,
	}

	f := c.Flags()
	registerTransportFlags(f)

	f.StringSlice("to", nil, "Recipient address (repeatable or comma separated)")
	f.StringSlice("to-name", nil, "Recipient display name, matched to --to by position")
	f.StringP("subject", "s", "", "Message subject")
	f.StringP("body", "b", "", "Message body")
	f.String("body-file", "", "Read the message body from a file")
	f.StringArray("header", nil, "Extra header as Key=Value (repeatable)")
	f.String("content-type", "html", "Content type (html, text or a full media type)")

	f.String("from", "", "Sender address")
	f.String("from-name", "", "Sender display name")
	f.String("charset", message.DefaultCharset, "Message charset")

	f.String("metrics-file", "", "Write send metrics to this file in Prometheus text format")
	return c
}

func registerTransportFlags(f *pflag.FlagSet) {
	f.StringP("hostname", "H", "localhost", "SMTP server host")
	f.IntP("port", "p", transport.DefaultPort, "SMTP server port")
	f.StringP("username", "u", "", "AUTH LOGIN username, also used as the envelope sender")
	f.String("password", "", "AUTH LOGIN password")
	f.Bool("ssl", false, "Connect with implicit TLS")
	f.Bool("tls", false, "Upgrade the connection with STARTTLS")
	f.Int("timeout", transport.DefaultTimeout, "Connect and read timeout in seconds")
	f.String("local-name", "", "Name announced in EHLO")
	f.Bool("tls-skip-verify", false, "Skip server certificate verification")
	f.Bool("strict", false, "Fail when the end of data is not confirmed with 250")
}

func runSend(cmd *cobra.Command, _ []string) error {
	k, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	logger, err := newLogger(k)
	if err != nil {
		return err
	}

	cfg, err := transportConfig(k, logger)
	if err != nil {
		return err
	}

	var reg *prometheus.Registry
	metricsFile := k.String("metrics-file")
	if metricsFile != "" {
		reg = prometheus.NewRegistry()
		cfg.Observer = metrics.NewClientCollector(reg)
	}

	msg, err := buildMessage(cmd.Flags(), k)
	if err != nil {
		return err
	}

	t, err := transport.NewTransport(cfg)
	if err != nil {
		return err
	}

	delivered, sendErr := t.Send(cmd.Context(), msg)

	if reg != nil {
		if err := metrics.WriteTextfile(metricsFile, reg); err != nil {
			logger.Error("Failed to write metrics file", err, logging.F("path", metricsFile))
		}
	}

	if sendErr != nil {
		return fmt.Errorf("send via %s: %w", t, sendErr)
	}
	if !delivered {
		return fmt.Errorf("send via %s: %w", t, ErrNotDelivered)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "delivered to %d recipient(s) via %s\n", len(msg.To), t)
	return nil
}

func transportConfig(k *koanf.Koanf, logger logging.Logger) (transport.Config, error) {
	var cfg transport.Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logger = logger
	return cfg, nil
}

func buildMessage(flags *pflag.FlagSet, k *koanf.Koanf) (*message.Message, error) {
	var defaults mailDefaults
	if err := k.Unmarshal("", &defaults); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	msg := message.New()
	if defaults.From != "" {
		msg.SetFrom(defaults.From, defaults.FromName)
	}
	if defaults.Charset != "" {
		msg.Charset = defaults.Charset
	}

	to, _ := flags.GetStringSlice("to")
	if len(to) == 0 {
		return nil, errors.New("at least one --to recipient is required")
	}
	names, _ := flags.GetStringSlice("to-name")
	for i, addr := range to {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		msg.AddTo(strings.TrimSpace(addr), name)
	}

	msg.Subject, _ = flags.GetString("subject")

	body, _ := flags.GetString("body")
	if path, _ := flags.GetString("body-file"); path != "" {
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read body file: %w", err)
		}
		body = string(data)
	}
	msg.Body = body

	contentType, _ := flags.GetString("content-type")
	switch contentType {
	case "html", "":
		msg.Type = message.TypeHTML
	case "text":
		msg.SetText()
	default:
		msg.Type = contentType
	}

	headers, _ := flags.GetStringArray("header")
	for _, h := range headers {
		key, value, ok := strings.Cut(h, "=")
		if !ok {
			return nil, fmt.Errorf("invalid header %q, expected Key=Value", h)
		}
		msg.SetHeader(strings.TrimSpace(key), value)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
