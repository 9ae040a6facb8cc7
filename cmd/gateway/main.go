// cmd/gateway/main.go
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pond-gateway/internal/auth"
	"pond-gateway/internal/config"
	"pond-gateway/internal/logging"
)

func main() {
	if err := newRootCommand(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	configDir string
	out       io.Writer
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{out: out}
	cmd := &cobra.Command{
		Use:           "pond-gateway",
		Short:         "Pond telemetry gateway: ingest, anomaly detection and alerting",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVar(&a.configDir, "config", ".", "directory containing config.yaml")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.serve(cmd.Context())
			},
		},
		a.trainCommand(),
		hashPasswordCommand(in, out),
	)
	return cmd
}

// setup loads configuration and builds the logger shared by every command.
func (a *app) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(a.configDir)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func hashPasswordCommand(in io.Reader, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for auth.users[].password_hash",
		Long:  "Print a bcrypt hash for auth.users[].password_hash. Without an argument the password is read from the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(in).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, hash)
			return nil
		},
	}
}
