package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/crewdeck/crewdeck/internal/model"
)

// JSON-backed snapshot of the last synced list. Single file,
// human-readable, portable. Lets `ls` show something when the backend
// is unreachable.

func saveSnapshot(path string, projects []model.Project) error {
	b, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// LoadSnapshot reads the cached list. Missing file means an empty list.
func LoadSnapshot(path string) ([]model.Project, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.Project{}, nil
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	var projects []model.Project
	if err := json.Unmarshal(b, &projects); err != nil {
		return nil, fmt.Errorf("json unmarshal: %w", err)
	}
	return projects, nil
}
