package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papapumpkin/pulsar/internal/ui"
)

// ErrBuildFailed is returned when a build finished with error entries.
var ErrBuildFailed = errors.New("build failed")

// errReported marks a failure the command already printed.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:           "pulsar",
	Short:         "Incremental build orchestrator",
	Long:          "Pulsar loads source files into collections, merges each group into one artifact, and rebuilds incrementally as files change.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// reportError prints err through p and marks it as already shown.
func reportError(p *ui.Printer, err error) error {
	p.Error(err.Error())
	return fmt.Errorf("%w: %w", errReported, err)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, ErrBuildFailed) && !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default .pulsar.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringP("manifest", "m", "pulsar.toml", "project manifest")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text or json)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("manifest", rootCmd.PersistentFlags().Lookup("manifest"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(".pulsar")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("PULSAR")
	viper.AutomaticEnv()

	// It's fine if no config file is found; we use defaults.
	_ = viper.ReadInConfig()
}
