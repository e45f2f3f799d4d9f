package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newLatestCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "Write the last detected image as PNG",
		Long: `Fetches the most recent image the daemon announced and writes it to stdout,
or to --output. Fails if no image has been detected since the daemon started.`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:    func(cmd *cobra.Command, _ []string) error { return runLatest(cmd.OutOrStdout(), v) },
	}

	f := cmd.Flags()
	f.StringP("output", "o", "", "write to this file instead of stdout")
	f.Bool("base64", false, "write the PNG as base64 text")
	addClientFlags(cmd)

	return cmd
}

func runLatest(out io.Writer, v *viper.Viper) error {
	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := callContext(v)
	defer cancel()
	png, err := c.Latest(ctx)
	if err != nil {
		return fmt.Errorf("latest: %w", err)
	}

	data := png
	if v.GetBool("base64") {
		data = []byte(base64.StdEncoding.EncodeToString(png) + "\n")
	}
	if path := v.GetString("output"); path != "" {
		return os.WriteFile(path, data, 0o644)
	}
	_, err = out.Write(data)
	return err
}
