package main

import (
	"fmt"
	"os"

	"github.com/codefionn/codehub/internal/config"
	"github.com/codefionn/codehub/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "codehub",
	Short: "Coordination hub for code completion workers",
	Long: `codehub is the server that model-serving workers and schedulers attach to.

Workers connect with the registration token and stay registered for as long
as their connection lives. Use 'codehub token show' to print the token.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML, TOML or JSON)")
}

// loadConfig reads the configuration, letting flags of cmd override keys.
func loadConfig(cmd *cobra.Command, flags map[string]string) (*viper.Viper, *config.Config, error) {
	v, err := config.NewViper(configFile)
	if err != nil {
		return nil, nil, err
	}
	for key, name := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, nil, fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}

func initLogging(cfg *config.Config) error {
	level := logger.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Path == "" {
		logger.InitWriter(level, os.Stderr)
		return nil
	}
	return logger.Init(level, cfg.Logging.Path)
}
