package checkpoints

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"

	"github.com/faultlens/faultlens/model"
	"github.com/faultlens/faultlens/optimizer"
)

// Format defines the serialization format.
type Format int

const (
	FormatGob Format = iota // binary, the default
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatGob:
		return "gob"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

func (f Format) extension() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".gob"
}

// Checkpoint represents a complete model state including weights, training
// state and optimizer state.
type Checkpoint struct {
	Weights []model.WeightTensor `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// TrainingState captures the training progress and loss-weighting state
// needed to resume a run.
type TrainingState struct {
	Epoch            int     `json:"epoch"`
	Iteration        int     `json:"iteration"`
	EpochIteration   int     `json:"epoch_iteration"`
	LearnRate        float64 `json:"learn_rate"`
	KLLossFactor     float64 `json:"kl_loss_factor"`
	MinKLScalingLoss float64 `json:"min_kl_scaling_loss"`
}

// Metadata contains checkpoint metadata.
type Metadata struct {
	ID          string    `json:"id"`
	Framework   string    `json:"framework"`
	Version     string    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Saver writes and reads checkpoints under one directory.
type Saver struct {
	dir    string
	format Format
}

// NewSaver creates a checkpoint saver, creating the directory if needed.
func NewSaver(dir string, format Format) (*Saver, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %v", dir, err)
	}
	return &Saver{dir: dir, format: format}, nil
}

// Dir returns the checkpoint directory.
func (s *Saver) Dir() string { return s.dir }

// SaveEpoch persists an end-of-epoch checkpoint under an epoch-tagged name
// and returns the written path.
func (s *Saver) SaveEpoch(ck *Checkpoint, epoch int) (string, error) {
	name := fmt.Sprintf("model-e%03d%s", epoch, s.format.extension())
	path := filepath.Join(s.dir, name)
	return path, s.Save(ck, path)
}

// SaveIteration persists a mid-epoch checkpoint under a unique name tagged
// with epoch, iteration-within-epoch and a timestamp, and returns the path.
func (s *Saver) SaveIteration(ck *Checkpoint, epoch, epochIteration int) (string, error) {
	stamp := strftime.Format("%Y%m%d-%H%M%S", time.Now())
	name := fmt.Sprintf("ckpt-e%03d-i%06d-%s%s", epoch, epochIteration, stamp, s.format.extension())
	path := filepath.Join(s.dir, name)
	return path, s.Save(ck, path)
}

// Save writes a checkpoint to path in the saver's format.
func (s *Saver) Save(ck *Checkpoint, path string) error {
	fillMetadata(ck)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer f.Close()

	switch s.format {
	case FormatJSON:
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ck); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %v", err)
		}
	default:
		if err := gob.NewEncoder(f).Encode(ck); err != nil {
			return fmt.Errorf("failed to encode checkpoint: %v", err)
		}
	}
	return nil
}

// Load reads a checkpoint from path, picking the format from the extension.
func Load(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer f.Close()

	var ck Checkpoint
	if strings.HasSuffix(path, ".json") {
		if err := json.NewDecoder(f).Decode(&ck); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
	} else {
		if err := gob.NewDecoder(f).Decode(&ck); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
		}
	}
	return &ck, nil
}

func fillMetadata(ck *Checkpoint) {
	if ck.Metadata.Framework == "" {
		ck.Metadata.Framework = "faultlens"
		ck.Metadata.Version = "1.0.0"
	}
	if ck.Metadata.ID == "" {
		ck.Metadata.ID = uuid.NewString()
	}
	if ck.Metadata.CreatedAt.IsZero() {
		ck.Metadata.CreatedAt = time.Now()
	}
}
