package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/warren/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize creates the warren project structure
// If force is true, it will remove existing warren.yml and collaborators/ directory
func Initialize(force bool) error {
	// Handle --force flag
	if force {
		if err := handleForce(); err != nil {
			return err
		}
	}

	// Get template files
	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	// Create directories
	if err := createDirectories(); err != nil {
		return err
	}

	// Write files
	if err := writeFiles(files); err != nil {
		return err
	}

	// Validate created files
	if err := validateCreatedFiles(); err != nil {
		return err
	}

	return nil
}

// handleForce removes existing files if --force was specified
func handleForce() error {
	// Remove warren.yml if it exists
	if _, err := os.Stat("warren.yml"); err == nil {
		fmt.Println("⚠️  Removing existing warren.yml...")
		if err := os.Remove("warren.yml"); err != nil {
			return fmt.Errorf("failed to remove warren.yml: %w", err)
		}
	}

	// Remove collaborators/ directory if it exists
	if info, err := os.Stat("collaborators"); err == nil && info.IsDir() {
		fmt.Println("⚠️  Removing existing collaborators/ directory...")
		if err := os.RemoveAll("collaborators"); err != nil {
			return fmt.Errorf("failed to remove collaborators/ directory: %w", err)
		}
	}

	return nil
}

// getTemplateFiles reads and processes all template files
func getTemplateFiles() ([]FileInfo, error) {
	files := []FileInfo{}

	// warren.yml
	warrenYml, err := templatesFS.ReadFile("templates/warren.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read warren.yml template: %w", err)
	}
	files = append(files, FileInfo{
		Path:        "warren.yml",
		Content:     warrenYml,
		Permissions: 0644,
	})

	// collaborators/generate.sh
	generateSh, err := templatesFS.ReadFile("templates/generate.sh.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read generate.sh template: %w", err)
	}
	files = append(files, FileInfo{
		Path:        filepath.Join("collaborators", "generate.sh"),
		Content:     generateSh,
		Permissions: 0755, // Executable
	})

	// collaborators/test.sh
	testSh, err := templatesFS.ReadFile("templates/test.sh.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read test.sh template: %w", err)
	}
	files = append(files, FileInfo{
		Path:        filepath.Join("collaborators", "test.sh"),
		Content:     testSh,
		Permissions: 0755, // Executable
	})

	// collaborators/README.md
	readme, err := templatesFS.ReadFile("templates/README.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read README.md template: %w", err)
	}
	files = append(files, FileInfo{
		Path:        filepath.Join("collaborators", "README.md"),
		Content:     readme,
		Permissions: 0644,
	})

	return files, nil
}

// createDirectories creates the necessary directory structure
func createDirectories() error {
	if err := os.MkdirAll("collaborators", 0755); err != nil {
		return fmt.Errorf("failed to create directory collaborators: %w", err)
	}
	return nil
}

// writeFiles writes all template files to disk
func writeFiles(files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(file.Path, file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}

	return nil
}

// validateCreatedFiles runs the created warren.yml through the real config
// loader, so a broken template is caught at init time rather than on first
// orchestrator start.
func validateCreatedFiles() error {
	content, err := os.ReadFile("warren.yml")
	if err != nil {
		return fmt.Errorf("failed to read created warren.yml: %w", err)
	}

	if _, err := config.LoadBytes(content); err != nil {
		return fmt.Errorf("created warren.yml does not load: %w", err)
	}

	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	fmt.Println("\n✅ Successfully initialized warren project!")
	fmt.Println("\nCreated:")
	fmt.Println("  ✓ warren.yml")
	fmt.Println("  ✓ collaborators/generate.sh")
	fmt.Println("  ✓ collaborators/test.sh")
	fmt.Println("  ✓ collaborators/README.md")
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add '.warren/' to your .gitignore file")
	fmt.Println("  2. Point warren.yml at your Redis and real collaborators")
	fmt.Println("  3. Start the engine with 'warren-orchestrator --config warren.yml'")
	fmt.Println("  4. Submit your first change with 'warren submit --issue ISSUE-1 --file change.yml'")
}
