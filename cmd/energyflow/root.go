package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/comalice/energyflow"
)

const version = "0.3.0"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "energyflow",
		Short:         "Real-time energy event pipeline",
		Long:          "energyflow converts streams of generation token metrics into bounded energy events, with a fixed per-cycle budget and crash-safe durable state.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", "", "config file (YAML)")
	rootCmd.PersistentFlags().String("data-dir", "data", "base directory for durable session state")

	rootCmd.AddCommand(
		newRunCmd(),
		newRecoverCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "energyflow", version)
		},
	}
}

// loadConfig merges defaults, an optional YAML config file, and flags.
func loadConfig(cmd *cobra.Command) (energyflow.Config, error) {
	cfg := energyflow.DefaultConfig()

	v := viper.New()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}
