// Package planfile handles the markdown plan artifact an agent writes
// while planning: reading, saving review copies, and watching the file so
// the plan pane refreshes as the agent edits it.
package planfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Read returns the plan markdown. A missing file is not an error: the
// agent may simply not have written the plan yet, so Read reports
// ("", false, nil) in that case.
func Read(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read plan: %w", err)
	}
	return string(data), true, nil
}

// Write stores plan markdown, creating parent directories as needed.
func Write(path, markdown string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create plan directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(markdown), 0644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename plan: %w", err)
	}
	return nil
}

// Delete removes the plan file. Deleting a missing file is a no-op.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete plan: %w", err)
	}
	return nil
}
