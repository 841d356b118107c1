package scaffold

import (
	"fmt"
	"os"
)

// CheckExisting checks if warren.yml or collaborators/ directory already exist
// Returns an error if they do, nil otherwise
func CheckExisting() error {
	var existingFiles []string

	// Check for warren.yml
	if _, err := os.Stat("warren.yml"); err == nil {
		existingFiles = append(existingFiles, "warren.yml")
	}

	// Check for collaborators/ directory
	if info, err := os.Stat("collaborators"); err == nil && info.IsDir() {
		existingFiles = append(existingFiles, "collaborators/")
	}

	if len(existingFiles) > 0 {
		errMsg := "project already initialized\n\nFound existing"
		if len(existingFiles) == 1 {
			errMsg += fmt.Sprintf(": %s", existingFiles[0])
		} else {
			errMsg += " files:\n"
			for _, file := range existingFiles {
				errMsg += fmt.Sprintf("  - %s\n", file)
			}
		}
		errMsg += "\nUse 'warren init --force' to reinitialize (this will overwrite existing configuration)"

		return fmt.Errorf("%s", errMsg)
	}

	return nil
}
