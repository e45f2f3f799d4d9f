package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newControlCmd builds start, stop and toggle: each makes one call and
// prints the resulting state.
func newControlCmd(use, short string, call func(*rpcClient, context.Context) (bool, error)) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := dial(v)
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := callContext(v)
			defer cancel()
			on, err := call(c, ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", use, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), onOff(on))
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}
