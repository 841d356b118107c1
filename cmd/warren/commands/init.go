package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/scaffold"
)

var (
	forceInit bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Warren project",
	Long: `Initialize a new Warren project with default configuration and example collaborators.

Creates:
  • warren.yml - Orchestrator configuration file
  • collaborators/ - Example generator and test-runner scripts plus the collaborator contract

Use --force to reinitialize an existing project (WARNING: destroys existing configuration).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Force reinitialization (removes existing warren.yml and collaborators/)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	// Check for existing files (unless --force)
	if !forceInit {
		if err := scaffold.CheckExisting(); err != nil {
			return err
		}
	}

	// Initialize the project
	if err := scaffold.Initialize(forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	// Print success message
	scaffold.PrintSuccess()

	return nil
}
