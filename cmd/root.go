package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"maskpipe/pkg/config"
)

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger

	// exitCode is set by subcommands that finish their work but need a
	// nonzero process status (paused run, dirty verification). Deferring
	// the os.Exit to Execute lets RunE's deferred cleanup run first.
	exitCode int
)

var RootCmd = &cobra.Command{
	Use:   "maskpipe",
	Short: "Rule-driven document masking for JSON collections",
	Long: `maskpipe reads documents from a source collection, applies declarative
field-level masking rules, and writes the results back in place or into a
separate destination. Runs are resumable: progress is checkpointed by
primary-key anchor, so an interrupted run picks up where it left off.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		zap.ReplaceGlobals(logger)

		config.LoadEnvFile()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./maskpipe.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("maskpipe")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MASKPIPE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
