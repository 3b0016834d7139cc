package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/attendance/internal/app"
)

func main() {
	if err := execute(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, app.ErrNotSignedIn) || errors.Is(err, app.ErrSessionEnded) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// execute runs one command and always releases the application afterwards,
// also when the command fails.
func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	c, root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if c.app != nil {
		err = errors.Join(err, c.app.Shutdown())
	}
	return err
}

type cli struct {
	app    *app.Application
	output string // "text" | "json"
}

func newRootCmd() (*cli, *cobra.Command) {
	c := &cli{output: "text"}

	root := &cobra.Command{
		Use:           "attendctl",
		Short:         "Sign in to the attendance system and manage the stored session",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.output != "text" && c.output != "json" {
				return fmt.Errorf("unknown output format %q (want text or json)", c.output)
			}
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			c.app, err = app.New(cmd.Context(), cfg)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&c.output, "out", "o", c.output, "Output format: text|json")

	root.AddCommand(
		c.loginCmd(),
		c.ssoLoginCmd(),
		c.logoutCmd(),
		c.statusCmd(),
		c.whoamiCmd(),
		c.keepaliveCmd(),
	)
	return c, root
}
