package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-segtrain/runstore"
	"github.com/tsawler/go-segtrain/training"
)

var (
	trainEpochs int
	trainLoad   string
	trainResume bool
	trainSave   bool
	trainNoDB   bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model with the configured data, optimizer and loss",
	RunE:  runTrain,
}

func init() {
	trainCmd.Flags().IntVar(&trainEpochs, "epochs", -1, "Override the number of epochs")
	trainCmd.Flags().StringVar(&trainLoad, "load", "", "Checkpoint to start from")
	trainCmd.Flags().BoolVar(&trainResume, "resume", false, "Also restore optimizer and grad scaler state from --load")
	trainCmd.Flags().BoolVar(&trainSave, "save", false, "Save a checkpoint when training ends")
	trainCmd.Flags().BoolVar(&trainNoDB, "no-history", false, "Do not record the run in the history database")
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tc := cfg.Training
	if cmd.Flags().Changed("epochs") {
		tc.Epochs = trainEpochs
	}
	if trainLoad != "" {
		tc.LoadModel = trainLoad
	}
	tc.ResumeOptimizer = tc.ResumeOptimizer || trainResume
	tc.SaveModel = tc.SaveModel || trainSave
	cfg.Training = tc
	if err := cfg.Validate(); err != nil {
		return err
	}

	ds, err := openDataset(cfg.Data)
	if err != nil {
		return err
	}
	trainLoader, valLoader, err := buildLoaders(ds, cfg.Data)
	if err != nil {
		return err
	}
	model, err := buildModel(cfg)
	if err != nil {
		return err
	}

	opts := []training.TrainerOption{
		training.WithLogger(logger),
		training.WithReporter(reporter),
		training.WithProgress(cmd.ErrOrStderr()),
	}
	if cfg.HistoryDB != "" && !trainNoDB {
		store, err := runstore.Open(cfg.HistoryDB, runstore.WithLogger(logger))
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, training.WithHistorySink(store))
	}

	trainer, err := training.NewTrainer(model, tc, opts...)
	if err != nil {
		return err
	}
	logger.Info("training data ready",
		zap.String("run_id", trainer.RunID()),
		zap.Int("train_batches", trainLoader.Len()),
		zap.Bool("validation", valLoader != nil))

	var trainSource training.Loader = trainLoader
	if cfg.Data.Prefetch > 0 {
		pl, err := training.NewPrefetchLoader(trainLoader, cfg.Data.Prefetch)
		if err != nil {
			return err
		}
		defer pl.Close()
		trainSource = pl
	}

	// A nil *DataLoader is not a nil Loader.
	var res *training.FitResult
	if valLoader != nil {
		res, err = trainer.Fit(ctx, trainSource, valLoader)
	} else {
		res, err = trainer.Fit(ctx, trainSource, nil)
	}
	if err != nil {
		return err
	}

	reporter.Printf("\nrun %s finished after %d epochs\n", res.RunID, res.State.Epoch)
	if res.Validation != nil {
		reporter.Println(res.Validation.Confusion.String())
	}
	return nil
}
