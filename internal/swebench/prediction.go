package swebench

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var predictionsMu sync.Mutex

// Prediction is a model's patch for one instance, in the format the
// SWE-bench evaluation harness consumes.
type Prediction struct {
	InstanceID      string `json:"instance_id"`
	ModelNameOrPath string `json:"model_name_or_path"`
	ModelPatch      string `json:"model_patch"`
}

// AppendPrediction appends one prediction line to a JSONL file.
func AppendPrediction(path string, p Prediction) error {
	predictionsMu.Lock()
	defer predictionsMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create predictions directory: %w", err)
	}

	line, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode prediction: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open predictions file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write prediction: %w", err)
	}
	return nil
}
