package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().ExecuteContext(ctx); err != nil {
		stop()
		logrus.Fatal(err)
	}
}

func newApp() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kevin",
		Short: "kevin runs coding tasks against a repository inside a sandbox",
		Example: `  Run a task:
  $ kevin run "make the failing test pass"

  Run against another repo, inside docker:
  $ kevin run --repo ../service --sandbox docker "add retry to the client"

  Inspect past runs:
  $ kevin list
  $ kevin show run-1a2b3c4d5e6f7a8b`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logrus.SetLevel(logrus.DebugLevel)
			}
			format, _ := cmd.Flags().GetString("log-format")
			switch format {
			case "json":
				logrus.SetFormatter(new(logrus.JSONFormatter))
			case "text":
			default:
				return fmt.Errorf("unsupported log-format: %q", format)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")
	rootCmd.PersistentFlags().StringP("config", "c", "kevin.yaml", "config file path")
	rootCmd.PersistentFlags().StringP("repo", "r", ".", "repository path (or git URL for run)")

	rootCmd.AddCommand(
		newRunCommand(),
		newListCommand(),
		newShowCommand(),
		newReplayCommand(),
		newPruneCommand(),
		newSchemaCommand(),
	)
	return rootCmd
}
