package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/termpilot/termpilot/internal/config"
	"github.com/termpilot/termpilot/internal/infer"
	"github.com/termpilot/termpilot/internal/logging"
	"github.com/termpilot/termpilot/internal/orchestrator"
	"github.com/termpilot/termpilot/internal/sessionlog"
	"github.com/termpilot/termpilot/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		logger.Logger.Warn("telemetry disabled", "error", err)
	} else {
		defer shutdownTelemetry()
	}

	cmd := newRootCommand(cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "termpilot",
		Short:         "Remote shell copilot with local inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	var backendURL, model string
	root.PersistentFlags().StringVar(&backendURL, "backend", "http://localhost:8080", "completions server base URL")
	root.PersistentFlags().StringVar(&model, "model", "", "model name sent to the completions server")

	root.AddCommand(
		newConnectCommand(cfg, logger, &backendURL, &model),
		newExportLogCommand(cfg),
		newKeygenCommand(),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		if logger != nil {
			logger.With("command", cmd.Name()).Debug("command invocation")
		}
		return nil
	}
	return root
}

func newExportLogCommand(cfg *config.Config) *cobra.Command {
	var keyHex string
	cmd := &cobra.Command{
		Use:   "export-log <log-file>",
		Short: "Decrypt a session transcript as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyHex == "" {
				keyHex = os.Getenv("TERMPILOT_LOG_KEY")
			}
			key, err := hex.DecodeString(keyHex)
			if err != nil {
				return fmt.Errorf("decode log key: %w", err)
			}
			return sessionlog.Export(args[0], key, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded log key (defaults to TERMPILOT_LOG_KEY)")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a session log encryption key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := sessionlog.NewKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key))
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, status orchestrator.Status) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATE\tENDPOINT\tSEQ")
	for _, sess := range status.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", sess.ID, sess.State, sess.Endpoint, sess.LastSeq)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "workers: %d/%d active, backend available: %v\n",
		status.Budget.ActiveWorkers, status.Budget.EffectiveWorkers, status.BackendAvailable)
}

func buildBackend(backendURL, model string) (infer.Backend, error) {
	return infer.NewHTTPBackend(backendURL, model)
}
