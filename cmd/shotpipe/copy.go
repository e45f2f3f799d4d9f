package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/shotpipe/internal/gateway"
)

func newCopyCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "copy [file]",
		Short: "Put an image on the clipboard",
		Long: `Reads an image (PNG, JPEG, GIF, BMP, TIFF or WebP) from file, or stdin when
no file or "-" is given, and has the daemon place it on the clipboard as PNG.

The daemon does not announce images it wrote itself.`,
		Args:    cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return runCopy(in, v)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func runCopy(in io.Reader, v *viper.Viper) error {
	data, err := io.ReadAll(io.LimitReader(in, gateway.MaxUploadBytes+1))
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("copy: no input")
	}
	if len(data) > gateway.MaxUploadBytes {
		return fmt.Errorf("copy: image larger than %d bytes", gateway.MaxUploadBytes)
	}

	c, err := dial(v)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := callContext(v)
	defer cancel()
	if err := c.Copy(ctx, http.DetectContentType(data), data); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}
