package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
)

// DebugSnapshot is written on fatal training failure: the model, the training
// parameters and the last intermediate tensors, for postmortem inspection.
// Always JSON so it can be read without tooling.
type DebugSnapshot struct {
	Checkpoint    *Checkpoint          `json:"checkpoint"`
	Intermediates map[string][]float64 `json:"intermediates,omitempty"`
	Reason        string               `json:"reason"`
}

// WriteDebugSnapshot serializes a debug snapshot to path.
func WriteDebugSnapshot(path string, snapshot *DebugSnapshot) error {
	fillMetadata(snapshot.Checkpoint)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create debug snapshot file: %v", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		return fmt.Errorf("failed to encode debug snapshot: %v", err)
	}
	return nil
}
