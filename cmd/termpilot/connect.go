package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/termpilot/termpilot/internal/config"
	"github.com/termpilot/termpilot/internal/orchestrator"
	"github.com/termpilot/termpilot/internal/prompt"
	"github.com/termpilot/termpilot/internal/transport"
	"github.com/termpilot/termpilot/internal/transport/ptychan"
	"github.com/termpilot/termpilot/internal/transport/sshchan"
)

func newConnectCommand(cfg *config.Config, logger *log.Logger, backendURL, model *string) *cobra.Command {
	var (
		host        string
		port        int
		user        string
		local       bool
		passwordEnv string
		keyFile     string
		logKeyHex   string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a copilot session against a remote or local shell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			backend, err := buildBackend(*backendURL, *model)
			if err != nil {
				return err
			}

			var provider transport.Provider
			endpoint := transport.Endpoint{Host: host, Port: port, User: user}
			if local {
				provider = ptychan.New()
				shell := os.Getenv("SHELL")
				if shell == "" {
					shell = "/bin/sh"
				}
				endpoint = transport.Endpoint{LocalShell: shell}
			} else {
				provider = sshchan.New()
			}

			auth := transport.Auth{}
			if passwordEnv != "" {
				auth.Password = os.Getenv(passwordEnv)
			}
			if keyFile != "" {
				pem, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("read key file: %w", err)
				}
				auth.KeyPEM = pem
			}

			options := []orchestrator.Option{orchestrator.WithLogger(logger)}
			if logKeyHex == "" {
				logKeyHex = os.Getenv("TERMPILOT_LOG_KEY")
			}
			if logKeyHex != "" {
				key, err := hex.DecodeString(logKeyHex)
				if err != nil {
					return fmt.Errorf("decode log key: %w", err)
				}
				options = append(options, orchestrator.WithLogKey(key))
			}

			o, err := orchestrator.New(cfg, provider, backend, options...)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				o.Shutdown(shutdownCtx)
			}()

			id, err := o.OpenSession(ctx, "", endpoint, auth)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s connected to %s\n", id, endpoint.Addr())

			output, cancelOutput, err := o.SubscribeOutput(id, 0)
			if err != nil {
				return err
			}
			defer cancelOutput()
			go func() {
				for event := range output {
					fmt.Fprintln(out, event.Line)
				}
			}()

			suggestions, cancelSuggestions, err := o.SubscribeSuggestions(id)
			if err != nil {
				return err
			}
			defer cancelSuggestions()
			go func() {
				for event := range suggestions {
					switch {
					case event.Suggestion != nil:
						fmt.Fprintf(out, ">>> suggest [%s]: %s\n", event.Suggestion.Tier, event.Suggestion.Command)
						if event.Suggestion.Rationale != "" {
							fmt.Fprintf(out, ">>> %s\n", event.Suggestion.Rationale)
						}
					case event.Skip != nil:
						fmt.Fprintf(out, ">>> no suggestion (%s)\n", event.Skip.Reason)
					}
				}
			}()

			return interactiveLoop(ctx, cmd, o, id)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "remote host")
	cmd.Flags().IntVar(&port, "port", 22, "remote SSH port")
	cmd.Flags().StringVar(&user, "user", "", "remote user")
	cmd.Flags().BoolVar(&local, "local", false, "attach to a local shell instead of SSH")
	cmd.Flags().StringVar(&passwordEnv, "password-env", "", "environment variable holding the SSH password")
	cmd.Flags().StringVar(&keyFile, "key-file", "", "path to a PEM private key")
	cmd.Flags().StringVar(&logKeyHex, "log-key", "", "hex-encoded session log key (defaults to TERMPILOT_LOG_KEY)")
	return cmd
}

// interactiveLoop reads operator input: plain lines go to the shell,
// "?<goal>" asks for a suggestion, and a few slash commands control the
// session.
func interactiveLoop(ctx context.Context, cmd *cobra.Command, o *orchestrator.Orchestrator, sessionID string) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	var pendingConfirm *orchestrator.ConfirmationRequiredError
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/status":
				printStatus(cmd, o.Snapshot())
			case line == "/explain":
				if _, err := o.RequestSuggestion(sessionID, prompt.KindExplain, ""); err != nil {
					fmt.Fprintf(out, "!!! %v\n", err)
				}
			case line == "/confirm":
				if pendingConfirm == nil {
					fmt.Fprintln(out, "!!! nothing to confirm")
					continue
				}
				err := o.SendCommand(ctx, sessionID, pendingConfirm.Command, pendingConfirm.Token)
				pendingConfirm = nil
				if err != nil {
					fmt.Fprintf(out, "!!! %v\n", err)
				}
			case strings.HasPrefix(line, "?"):
				goal := strings.TrimSpace(strings.TrimPrefix(line, "?"))
				if _, err := o.RequestSuggestion(sessionID, prompt.KindSuggest, goal); err != nil {
					fmt.Fprintf(out, "!!! %v\n", err)
				}
			default:
				err := o.SendCommand(ctx, sessionID, line, "")
				var confirm *orchestrator.ConfirmationRequiredError
				if errors.As(err, &confirm) {
					pendingConfirm = confirm
					fmt.Fprintf(out, "!!! %s command blocked: %s\n", confirm.Tier, strings.Join(confirm.Reasons, "; "))
					fmt.Fprintln(out, "!!! type /confirm to run it anyway")
					continue
				}
				if err != nil {
					fmt.Fprintf(out, "!!! %v\n", err)
				}
			}
		}
	}
}
