package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.klb.dev/shotpipe/internal/message"
)

func newWatchCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print events as the daemon announces them",
		Long: `Streams image-detected and monitoring-changed events until interrupted.

With --json each event is printed as one JSON object per line, including the
base64 PNG payload.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runWatch(cmd.OutOrStdout(), v) },
	}

	cmd.Flags().Bool("json", false, "print newline-delimited JSON")
	addClientFlags(cmd)

	return cmd
}

func runWatch(out io.Writer, v *viper.Viper) error {
	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	asJSON := v.GetBool("json")
	err = c.Watch(ctx, func(ev message.Event) error {
		if asJSON {
			b, err := ev.Encode()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "%s\n", b)
			return err
		}
		_, err := fmt.Fprintln(out, describe(ev))
		return err
	})
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled) {
		return nil
	}
	return err
}

func describe(ev message.Event) string {
	at := ev.At.Local().Format("15:04:05.000")
	switch ev.Type {
	case message.TypeImage:
		return fmt.Sprintf("%s  image #%d  %dx%d  %s", at, ev.Seq, ev.Width, ev.Height, shortFP(ev.Fingerprint))
	case message.TypeState:
		on := ev.Monitoring != nil && *ev.Monitoring
		return fmt.Sprintf("%s  %s", at, onOff(on))
	default:
		return fmt.Sprintf("%s  %s", at, ev.Type)
	}
}
