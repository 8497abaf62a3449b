package checkpoints

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-segtrain/report"
)

// TimestampLayout formats the local time used in default checkpoint names, e.g. 2024.03.05@14-07-09.
const TimestampLayout = "2006.01.02@15-04-05"

// DefaultFilename returns "<timestamp>-model_checkpoint<ext>" for the given time and format.
func DefaultFilename(now time.Time, format CheckpointFormat) string {
	return now.Format(TimestampLayout) + "-model_checkpoint" + format.Extension()
}

// CheckpointSaver handles saving and loading model checkpoints.
type CheckpointSaver struct {
	format   CheckpointFormat
	reporter *report.Reporter
	logger   *zap.Logger
	now      func() time.Time
}

// SaverOption configures a CheckpointSaver.
type SaverOption func(*CheckpointSaver)

// WithReporter sets where progress banners are printed.
func WithReporter(r *report.Reporter) SaverOption {
	return func(cs *CheckpointSaver) { cs.reporter = r }
}

func WithLogger(l *zap.Logger) SaverOption {
	return func(cs *CheckpointSaver) {
		if l != nil {
			cs.logger = l
		}
	}
}

// WithClock overrides the time source used for default names and metadata.
func WithClock(now func() time.Time) SaverOption {
	return func(cs *CheckpointSaver) { cs.now = now }
}

// NewCheckpointSaver creates a saver writing the given format. Banners go to stdout unless overridden.
func NewCheckpointSaver(format CheckpointFormat, opts ...SaverOption) *CheckpointSaver {
	cs := &CheckpointSaver{
		format:   format,
		reporter: report.Stdout(),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(cs)
	}
	return cs
}

func (cs *CheckpointSaver) Format() CheckpointFormat { return cs.format }

// SaveCheckpoint writes checkpoint to path in the saver's format.
// Empty metadata is stamped with the framework name, version and creation time.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = FrameworkName
		checkpoint.Metadata.Version = FrameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = cs.now()
	}

	switch cs.format {
	case FormatJSON:
		return saveJSON(checkpoint, path)
	case FormatBinary:
		return saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, cs.format)
	}
}

// Save writes checkpoint into dir, creating it when missing, and returns the file path.
// An empty name selects DefaultFilename for the current local time.
func (cs *CheckpointSaver) Save(checkpoint *Checkpoint, dir, name string) (string, error) {
	cs.reporter.Banner(" Saving Checkpoint (In progress) ")

	if name == "" {
		name = DefaultFilename(cs.now(), cs.format)
	}
	path := filepath.Join(dir, name)

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	if err := cs.SaveCheckpoint(checkpoint, path); err != nil {
		return "", err
	}

	cs.reporter.Printf("\nCheckpoint was saved as: %s\n\n", path)
	cs.reporter.Banner(" Saving Checkpoint (Done) ")
	cs.logger.Info("checkpoint saved",
		zap.String("path", path),
		zap.Stringer("format", cs.format),
		zap.Int("weights", len(checkpoint.Weights)),
		zap.String("run_id", checkpoint.Metadata.RunID))
	return path, nil
}

// LoadCheckpoint reads a checkpoint in either format, detected from the file header.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	switch {
	case isBinary(data):
		return unmarshalBinary(data)
	case looksLikeJSON(data):
		return decodeJSON(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// LoadInto copies the checkpoint's state dict into model.
// Optimizer state is left to the caller.
func (cs *CheckpointSaver) LoadInto(checkpoint *Checkpoint, model StateLoader) error {
	cs.reporter.Banner(" Loading Checkpoint (In progress) ")
	if err := LoadWeights(checkpoint.Weights, model); err != nil {
		return fmt.Errorf("failed to load state dict: %w", err)
	}
	cs.reporter.Banner(" Loading Checkpoint (Done) ")
	cs.logger.Info("checkpoint loaded",
		zap.Int("weights", len(checkpoint.Weights)),
		zap.Int("epoch", checkpoint.TrainingState.Epoch),
		zap.String("run_id", checkpoint.Metadata.RunID))
	return nil
}

// Save writes checkpoint with a default saver printing to stdout.
func Save(checkpoint *Checkpoint, dir, name string, format CheckpointFormat) (string, error) {
	return NewCheckpointSaver(format).Save(checkpoint, dir, name)
}

// Load reads a checkpoint file of either format.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
}

// LoadInto copies checkpoint weights into model, printing banners to stdout.
func LoadInto(checkpoint *Checkpoint, model StateLoader) error {
	return NewCheckpointSaver(FormatJSON).LoadInto(checkpoint, model)
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
