// Command chatstream runs an interactive streaming chat session against an
// OpenAI-compatible endpoint, executing the tools the model calls and
// feeding their results back until the model is done.
//
// Start a session:
//
//	chatstream --config config.yaml
//
// Check the setup:
//
//	chatstream doctor
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatstream/internal/infra/config"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:   "chatstream",
		Short: "Streaming chat session with tool calling",
		Long: `chatstream starts an interactive chat session. Responses stream as they
are generated; tool calls are executed and their results sent back to the
model automatically.

Session commands:
  /abort    Stop the response in progress (Ctrl+C does the same)
  /reset    Clear the conversation
  /history  Print the conversation so far
  /quit     Exit

Environment: CHATSTREAM_* variables override config values.`,
		Version:      version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(resolveConfigPath(configFlag), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Path to YAML configuration file (default: $CHATSTREAM_CONFIG or ./config.yaml)")

	rootCmd.AddCommand(
		buildDoctorCmd(&configFlag),
		buildEncryptCmd(),
	)
	return rootCmd
}

// buildDoctorCmd creates the "doctor" command.
func buildDoctorCmd(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks on your setup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(resolveConfigPath(*configFlag), cmd.OutOrStdout())
		},
	}
}

// buildEncryptCmd creates the "encrypt" command.
func buildEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt VALUE",
		Short: "Encrypt a secret for config.yaml (needs CHATSTREAM_CONFIG_KEY)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncrypt(args[0], os.Getenv("CHATSTREAM_CONFIG_KEY"), cmd.OutOrStdout())
		},
	}
}

// runChat loads configuration, wires the session and drives the REPL until
// in closes or /quit is entered.
func runChat(cfgPath string, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, out)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
		}
	}()

	// Ctrl+C aborts the running response instead of exiting.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for {
			select {
			case <-interrupts:
				a.session.AbortRun()
			case <-ctx.Done():
				return
			}
		}
	}()

	return a.Run(ctx, in, out)
}

// resolveConfigPath picks the flag value, then CHATSTREAM_CONFIG, then
// ./config.yaml.
func resolveConfigPath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := os.Getenv("CHATSTREAM_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
