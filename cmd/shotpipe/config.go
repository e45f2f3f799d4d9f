package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/shotpipe/internal/logging"
)

// bindViper wires a command's flags into v with the standard config file
// search order and SHOTPIPE_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → SHOTPIPE_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("shotpipe")
		v.SetConfigType("toml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "shotpipe"))
		}
		v.AddConfigPath("/etc/shotpipe/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("SHOTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

// addLoggingFlags adds the standard logging flags to a command.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: text logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info, debug when interactive)")
}

// addConfigFlag adds the --config flag to a command.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addClientFlags adds the flags every daemon-facing command shares.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "daemon TCP address (default: local socket)")
	cmd.Flags().String("token", "", "bearer token for --server")
	cmd.Flags().Bool("tls", true, "expect TLS keyed by --token on --server")
	cmd.Flags().Duration("timeout", defaultCallTimeout, "per-call timeout")
	addConfigFlag(cmd)
}

// setupLogging reads logging flags from v and configures slog.
func setupLogging(v *viper.Viper) error {
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	return resolveLogging(interactive, v.GetString("log-format"), v.GetString("log-level"))
}
