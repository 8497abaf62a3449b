// Command segtrain trains and evaluates binary segmentation models on the CPU.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-segtrain/config"
	"github.com/tsawler/go-segtrain/logging"
	"github.com/tsawler/go-segtrain/report"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg      *config.Config
	logger   *zap.Logger
	reporter = report.Stdout()
)

var rootCmd = &cobra.Command{
	Use:   "segtrain",
	Short: "Train binary image segmentation models",
	Long: `segtrain runs a training loop for binary segmentation: mixed precision
forward passes, BCE/Dice losses, gradient scaling, pixel accuracy and Dice
validation, checkpoints and a SQLite run history.

Configuration comes from a YAML file (--config) with SEGTRAIN_LOG_LEVEL,
SEGTRAIN_DEVICE and SEGTRAIN_CHECKPOINT_DIR overriding it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging, verbose)
		if err != nil {
			return err
		}
		reporter = report.New(cmd.OutOrStdout())
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "segtrain.yaml", "Path to the YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
