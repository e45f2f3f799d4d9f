// shotpipe: watches the clipboard for images and announces each new one.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go.klb.dev/shotpipe/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "shotpipe",
		Short: "Clipboard image monitor",
		Long: `shotpipe polls the system clipboard and announces every new image placed
on it, exactly once per change.

Run "shotpipe daemon" to start the monitor. The other commands talk to the
running daemon over its local socket, or over TCP with --server.

Config file search order (first found wins):
  path supplied via --config
  $HOME/.config/shotpipe/shotpipe.toml
  /etc/shotpipe/shotpipe.toml

All flags can be set via SHOTPIPE_<FLAG> env vars or config-file keys.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newDaemonCmd(),
		newControlCmd("start", "Start monitoring the clipboard", (*rpcClient).Start),
		newControlCmd("stop", "Stop monitoring the clipboard", (*rpcClient).Stop),
		newControlCmd("toggle", "Flip the monitoring state", (*rpcClient).Toggle),
		newStatusCmd(),
		newWatchCmd(),
		newLatestCmd(),
		newCopyCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shotpipe %s\n", Version)
		},
	}
}

// resolveLogging sets up the global slog logger after flags are parsed.
// Interactive runs default to debug.
func resolveLogging(interactive bool, formatStr, levelStr string) error {
	format, err := logging.ParseFormat(formatStr)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(levelStr)
	if err != nil {
		return err
	}
	if levelStr == "" && interactive {
		level = slog.LevelDebug
	}
	logging.Setup(format, level)
	return nil
}
