// ABOUTME: Entry point for forum-auth, the forum's passkey authentication service
// ABOUTME: Cobra command tree for serving and for operator maintenance commands

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __                                           _   _
 / _| ___  _ __ _   _ _ __ ___         __ _ _   _| |_| |__
| |_ / _ \| '__| | | | '_ ' _ \ _____ / _' | | | | __| '_ \
|  _| (_) | |  | |_| | | | | | |_____| (_| | |_| | |_| | | |
|_|  \___/|_|   \__,_|_| |_| |_|      \__,_|\__,_|\__|_| |_|
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Command output goes to out.
func newRootCmd(out io.Writer) *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "forum-auth",
		Short:         "Passkey authentication service for the forum",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "config file (default $FORUM_AUTH_CONFIG or ~/.config/forum-auth/config.yaml)")

	root.AddCommand(
		serveCmd(&configFlag),
		roleCmd(&configFlag),
		identityCmd(&configFlag),
		credentialsCmd(&configFlag),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "forum-auth %s\n", version)
		},
	}
}
