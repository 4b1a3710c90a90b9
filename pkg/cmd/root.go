package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/telekom/audit-relay/pkg/config"
)

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

// runtimeState is shared by all subcommands of one root command.
type runtimeState struct {
	configPath string
	debug      bool
	cfg        *config.Config
	writer     io.Writer
}

func DefaultConfig() Config {
	return Config{OutputWriter: os.Stdout}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "audit-relay",
		Short:         "Durable, batched delivery of compliance audit events",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !rt.debug {
				rt.debug = strings.EqualFold(os.Getenv("AUDIT_RELAY_DEBUG"), "true")
			}
			if cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			loaded, err := config.Load(config.Path(rt.configPath))
			if err != nil {
				return err
			}
			rt.cfg = &loaded
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file (default $"+config.EnvConfigPath+" or ./config.yaml)")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug level logging")

	root.AddCommand(
		newServeCommand(rt),
		newQueueCommand(rt),
		newCompletionCommand(rt),
		newVersionCommand(rt),
	)
	return root
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}
