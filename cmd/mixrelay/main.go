package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/mixrelay/internal/admin"
	"github.com/sheerbytes/mixrelay/internal/cli/sender"
	"github.com/sheerbytes/mixrelay/internal/config"
	"github.com/sheerbytes/mixrelay/internal/termio"
)

const version = "v0.1.0"

type exitCode int

func main() {
	code := execute(os.Args[1:])
	termio.Flush()
	os.Exit(code)
}

func execute(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := rootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	if err != nil {
		fmt.Fprintln(termio.Stderr(), "error:", err)
		return 1
	}
	return 0
}

func (c exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(c))
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mixrelay",
		Short:         "Submit audio/transcript jobs to a mixrelayd server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(termio.Stdout())
	root.SetErr(termio.Stderr())
	root.AddCommand(submitCmd(), adminCmd(), versionCmd())
	return root
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit [flags] [audio transcript]...",
		Short: "Send pairs, wait for the job and save the result",
		// Flags are owned by the config package so files, env and flags layer
		// the same way for every entry point.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := sender.Run(cmd.Context(), args, sender.DefaultEnv()); code != sender.ExitOK {
				return exitCode(code)
			}
			return nil
		},
	}
}

func adminCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:       "admin list|restart|exit",
		Short:     "Send a command to the server admin socket",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"list", "restart", "exit"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			reply, err := admin.Send(ctx, socket, strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&socket, "socket", defaultAdminSocket(), "admin socket path (env MIXRELAY_ADMIN_SOCKET)")
	return cmd
}

func defaultAdminSocket() string {
	if v := os.Getenv(config.EnvPrefix + "ADMIN_SOCKET"); v != "" {
		return v
	}
	return config.DefaultAdminSocket()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
