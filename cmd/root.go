// Package cmd contains the CLI wiring for the smtpmailer application.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	kposflag "github.com/knadh/koanf/providers/posflag"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"smtpmailer/logging"
)

const envPrefix = "SMTPMAILER_"

var rootCmd = &cobra.Command{
	Use:   "smtpmailer",
	Short: "Deliver mail over SMTP",
	Long: "smtpmailer delivers single messages to an SMTP relay and runs a scriptable stub " +
		"server for exercising SMTP clients.",
	SilenceUsage: true,
}

// loadConfig layers the config file, SMTPMAILER_* environment variables and the command
// flags, in increasing order of precedence.
func loadConfig(flags *pflag.FlagSet) (*koanf.Koanf, error) {
	k := koanf.New(".")

	cfgPath, _ := flags.GetString("config")
	if cfgPath == "" {
		cfgPath = findConfigFile(getConfigSearchPaths())
	}
	if cfgPath != "" {
		if err := k.Load(kfile.Provider(cfgPath), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", cfgPath, err)
		}
	}

	if err := k.Load(kenv.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	if err := k.Load(kposflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to load flags: %w", err)
	}
	return k, nil
}

// envKey maps SMTPMAILER_TLS_SKIP_VERIFY to tls-skip-verify.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", "-")
}

// getConfigSearchPaths returns the directories to search for config files, in order of precedence.
// The order is: current directory, $HOME/.smtpmailer/, /etc/smtpmailer/
func getConfigSearchPaths() []string {
	paths := []string{"."}

	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, home+"/.smtpmailer")
	}

	paths = append(paths, "/etc/smtpmailer")

	return paths
}

func findConfigFile(dirs []string) string {
	for _, dir := range dirs {
		for _, ext := range []string{"yaml", "yml"} {
			path := fmt.Sprintf("%s/smtpmailer.%s", dir, ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

func newLogger(k *koanf.Koanf) (logging.Logger, error) {
	cfg := logging.DefaultConfig()
	if level := k.String("log-level"); level != "" {
		cfg.Level = logging.ParseLogLevel(level)
	}
	if format := k.String("log-format"); format != "" {
		cfg.Format = format
	}
	if output := k.String("log-output"); output != "" {
		cfg.Output = output
	}
	cfg.RemoteAddr = k.String("log-remote-addr")

	logger, err := logging.NewLogger(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// RegisterFlags registers persistent flags and subcommands. This replaces an init() function
// to satisfy the linter rule against init usage and allows callers to control ordering.
func RegisterFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Configuration file path")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (json, text)")
	pf.String("log-output", "stderr", "Log output (stdout, stderr, syslog, tcp, udp)")
	pf.String("log-remote-addr", "", "Remote address for tcp/udp log output")

	rootCmd.AddCommand(newSendCmd(), newServeCmd())
}

// Execute sets the version and runs the root command.
func Execute(version string) error {
	rootCmd.Version = version
	return rootCmd.Execute()
}
