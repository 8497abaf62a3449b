package main

import (
	"fmt"
	"math/rand"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-segtrain/checkpoints"
	"github.com/tsawler/go-segtrain/layers"
	"github.com/tsawler/go-segtrain/training"
)

var validateSplit bool

var validateCmd = &cobra.Command{
	Use:   "validate <checkpoint>",
	Short: "Report loss, pixel accuracy and Dice of a checkpoint on the configured data",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateSplit, "split", false, "Use only the validation split instead of the whole dataset")
}

func runValidate(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ckpt, err := checkpoints.Load(args[0])
	if err != nil {
		return err
	}
	model, err := modelFromCheckpoint(ckpt)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadInto(ckpt, model); err != nil {
		return err
	}

	ds, err := openDataset(cfg.Data)
	if err != nil {
		return err
	}
	var loader *training.DataLoader
	if validateSplit {
		_, loader, err = buildLoaders(ds, cfg.Data)
		if err == nil && loader == nil {
			err = fmt.Errorf("--split needs data.val_fraction > 0")
		}
	} else {
		loader, err = training.NewDataLoader(ds, cfg.Data.BatchSize, false, cfg.Data.NumWorkers)
	}
	if err != nil {
		return err
	}

	lossFn, err := training.NewLoss(cfg.Training.Loss)
	if err != nil {
		return err
	}
	vc := training.DefaultValidateConfig()
	vc.Loss = lossFn
	vc.FromLogits = cfg.Training.FromLogits
	vc.Threshold = cfg.Training.Threshold
	vc.Metrics = cfg.Training.Metrics
	vc.MetricFuncs = training.DefaultMetricFuncs()
	vc.Progress = cmd.ErrOrStderr()

	res, err := training.Validate(cmd.Context(), loader, model, vc)
	if err != nil {
		return err
	}
	logger.Info("validation complete",
		zap.String("checkpoint", args[0]),
		zap.Int("batches", res.Batches),
		zap.Int64("pixels", res.Pixels))

	reporter.Banner(" validation ")
	reporter.Metric("val_loss", res.Loss)
	for _, m := range res.Metrics {
		reporter.Metric(m.Name, m.Value)
	}
	reporter.Metric("val_accuracy", res.Accuracy)
	reporter.Metric("val_dice", res.Dice)
	reporter.Println()
	reporter.Println(res.Confusion.String())
	return nil
}

// modelFromCheckpoint rebuilds the saved architecture, falling back to the configured one.
func modelFromCheckpoint(ckpt *checkpoints.Checkpoint) (*layers.Sequential, error) {
	if ckpt.ModelSpec == nil {
		return buildModel(cfg)
	}
	return ckpt.ModelSpec.Build(rand.New(rand.NewSource(cfg.Model.Seed)))
}
