package main

import (
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-segtrain/checkpoints"
	"github.com/tsawler/go-segtrain/tensor"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Print the metadata, architecture and training state stored in a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func runInspect(cmd *cobra.Command, args []string) error {
	ckpt, err := checkpoints.Load(args[0])
	if err != nil {
		return err
	}

	reporter.Banner(" checkpoint ")
	m := ckpt.Metadata
	reporter.Printf("File:        %s\n", args[0])
	reporter.Printf("Framework:   %s %s\n", m.Framework, m.Version)
	reporter.Printf("Created:     %s\n", m.CreatedAt.Format("2006-01-02 15:04:05"))
	if m.RunID != "" {
		reporter.Printf("Run:         %s\n", m.RunID)
	}
	if m.Description != "" {
		reporter.Printf("Description: %s\n", m.Description)
	}
	if len(m.Tags) > 0 {
		reporter.Printf("Tags:        %s\n", strings.Join(m.Tags, ", "))
	}

	reporter.Banner(" training state ")
	s := ckpt.TrainingState
	reporter.Printf("Epoch %d, step %d, lr %g\n", s.Epoch, s.Step, s.LearningRate)
	reporter.Metric("best_loss", float64(s.BestLoss))
	reporter.Metric("best_accuracy", float64(s.BestAccuracy))
	reporter.Metric("best_dice", float64(s.BestDice))

	if ckpt.ModelSpec != nil {
		reporter.Banner(" model ")
		reporter.Printf("%s", ckpt.ModelSpec.Summary())
	}

	reporter.Banner(" weights ")
	var total int
	for _, w := range ckpt.Weights {
		reporter.Printf("%-16s %v\n", w.Name, w.Shape)
		total += len(w.Data)
	}
	reporter.Printf("%d tensors, %d values\n", len(ckpt.Weights), total)

	if o := ckpt.OptimizerState; o != nil {
		reporter.Banner(" optimizer ")
		reporter.Printf("Type: %s, %d state tensors\n", o.Type, len(o.StateData))
		keys := make([]string, 0, len(o.Parameters))
		for k := range o.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			reporter.Printf("  %-28s %v\n", k, o.Parameters[k])
		}
	}

	info := tensor.Detect()
	reporter.Banner(" host ")
	reporter.Printf("%s (%s), %d cores, avx2=%t, fp16=%t\n",
		info.Brand, info.Arch, info.LogicalCores, info.AVX2, info.HalfPrecision)
	return nil
}
