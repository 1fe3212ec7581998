package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uinit/uinit/internal/state"
)

// writeStateDocument marshals doc and writes it to path, via a temp file in
// the same directory renamed into place so a crash mid-write never leaves a
// truncated state document for the next process to read on re-exec.
func writeStateDocument(path string, doc *state.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("write state document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("write state document: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state document: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write state document: %w", err)
	}
	return nil
}
