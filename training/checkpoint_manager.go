package training

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tsawler/go-segtrain/checkpoints"
)

// CheckpointPolicy configures checkpoints written during training, on top of the final save.
type CheckpointPolicy struct {
	SaveEvery       int  `yaml:"save_every"`       // Save every N epochs (0 = disabled)
	SaveBest        bool `yaml:"save_best"`        // Rewrite best_checkpoint when val Dice improves
	KeepCheckpoints int  `yaml:"keep_checkpoints"` // Periodic files to keep (0 = unlimited)
}

// CheckpointManager writes periodic and best-so-far checkpoints for a Trainer.
type CheckpointManager struct {
	policy     CheckpointPolicy
	dir        string
	saver      *checkpoints.CheckpointSaver
	logger     *zap.Logger
	bestDice   float64
	hasBest    bool
	savedFiles []string
}

func NewCheckpointManager(policy CheckpointPolicy, dir string, saver *checkpoints.CheckpointSaver, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{policy: policy, dir: dir, saver: saver, logger: logger}
}

// PeriodicName returns the file name used for the checkpoint after epoch.
func (cm *CheckpointManager) PeriodicName(epoch int) string {
	return fmt.Sprintf("checkpoint_epoch_%d%s", epoch, cm.saver.Format().Extension())
}

// BestName is the file rewritten whenever validation Dice improves.
func (cm *CheckpointManager) BestName() string {
	return "best_checkpoint" + cm.saver.Format().Extension()
}

// SavePeriodic saves the checkpoint when epoch is a multiple of SaveEvery and prunes old files.
func (cm *CheckpointManager) SavePeriodic(epoch int, build func() (*checkpoints.Checkpoint, error)) (string, error) {
	if cm.policy.SaveEvery <= 0 || epoch%cm.policy.SaveEvery != 0 {
		return "", nil
	}
	ckpt, err := build()
	if err != nil {
		return "", err
	}
	path, err := cm.saver.Save(ckpt, cm.dir, cm.PeriodicName(epoch))
	if err != nil {
		return "", fmt.Errorf("failed to save periodic checkpoint: %w", err)
	}
	cm.savedFiles = append(cm.savedFiles, path)

	if err := cm.cleanupOldCheckpoints(); err != nil {
		cm.logger.Warn("failed to clean up old checkpoints", zap.Error(err))
	}
	return path, nil
}

// SaveBest saves the checkpoint when dice beats every earlier value. It reports whether it saved.
func (cm *CheckpointManager) SaveBest(dice float64, build func() (*checkpoints.Checkpoint, error)) (bool, error) {
	if !cm.policy.SaveBest {
		return false, nil
	}
	if cm.hasBest && dice <= cm.bestDice {
		return false, nil
	}
	cm.bestDice, cm.hasBest = dice, true

	ckpt, err := build()
	if err != nil {
		return false, err
	}
	ckpt.Metadata.Description = fmt.Sprintf("Best checkpoint - Dice: %.4f", dice)
	if _, err := cm.saver.Save(ckpt, cm.dir, cm.BestName()); err != nil {
		return false, fmt.Errorf("failed to save best checkpoint: %w", err)
	}
	return true, nil
}

// cleanupOldCheckpoints removes the oldest periodic checkpoints beyond KeepCheckpoints.
func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.policy.KeepCheckpoints <= 0 || len(cm.savedFiles) <= cm.policy.KeepCheckpoints {
		return nil
	}
	toRemove := len(cm.savedFiles) - cm.policy.KeepCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := os.Remove(cm.savedFiles[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}
