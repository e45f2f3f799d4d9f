package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/shotpipe/internal/message"
)

func newStatusCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the monitoring state and counters",
		Long: `Displays whether the daemon is monitoring, how many images it has announced
and its poll counters.

The request goes over the local socket unless --server is given.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runStatus(cmd.OutOrStdout(), v) },
	}

	cmd.Flags().Bool("json", false, "output raw JSON")
	addClientFlags(cmd)

	return cmd
}

func runStatus(out io.Writer, v *viper.Viper) error {
	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := callContext(v)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if v.GetBool("json") {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(out, st, c.transport)
	return nil
}

func printStatus(out io.Writer, st message.Status, transport string) {
	w := tabwriter.NewWriter(out, 1, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", onOff(st.Monitoring))
	fmt.Fprintf(w, "Transport:\t%s\n", transport)
	fmt.Fprintf(w, "Backend:\t%s\n", st.Backend)
	fmt.Fprintf(w, "Interval:\t%s\n", time.Duration(st.IntervalMillis)*time.Millisecond)
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Since:\t%s (%s)\n", st.StartedAt.Local().Format(time.RFC3339), fmtAge(st.StartedAt))
	}
	fmt.Fprintf(w, "Images:\t%d\n", st.ImageCount)
	if st.LastFingerprint != "" {
		fmt.Fprintf(w, "Last image:\t%s (%s)\n", shortFP(st.LastFingerprint), fmtAge(st.LastDetectedAt))
	}
	fmt.Fprintf(w, "Polls:\t%d (%d unreadable, %d ignored)\n", st.Polls, st.Unreadable, st.Ignored)
	fmt.Fprintf(w, "Subscribers:\t%d (%d dropped events)\n", st.Subscribers, st.Dropped)
	_ = w.Flush()
}

func shortFP(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
