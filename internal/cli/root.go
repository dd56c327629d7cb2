// Package cli implements auditctl, a command line client that launches audit
// and content tasks and follows them until they finish.
package cli

import (
	"fmt"

	"github.com/nadmax/auditq/internal/client"
	"github.com/nadmax/auditq/internal/config"
	"github.com/nadmax/auditq/internal/logging"
	"github.com/spf13/cobra"
)

const (
	outputJSON = "json"
	outputYAML = "yaml"
)

type app struct {
	configPath string
	serverURL  string
	logLevel   string
	output     string

	cfg    *config.Config
	client *client.Client
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "auditctl",
		Short:         "Launch auditq tasks and follow them to completion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.init()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.serverURL, "server", "", "auditq API base URL (overrides client.base_url)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (overrides log.level)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", outputJSON, "result format: json or yaml")

	root.AddCommand(
		newAuditCmd(a),
		newGenerateCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newHistoryCmd(a),
	)

	return root
}

func (a *app) init() error {
	if a.output != outputJSON && a.output != outputYAML {
		return fmt.Errorf("unsupported output format %q", a.output)
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.serverURL != "" {
		cfg.Client.BaseURL = a.serverURL
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	c, err := client.New(cfg.Client.BaseURL, nil)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.client = c
	return nil
}
