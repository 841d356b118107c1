package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// configPath is the shared --config flag value.
var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - Spec-driven change orchestrator",
	Long: `Warren turns approved specification changes into published system state.

Change requests enter a fixed pipeline (accept, workspace, mutate, generate,
test, publish) driven by the warren orchestrator daemon. This CLI submits
requests, follows them through the pipeline, and inspects the specification
graph the pipeline maintains.`,
	Version: version,

	// Errors are rendered by internal/printer with context and suggestions;
	// cobra must not print them a second time.
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "warren.yml", "Path to warren.yml (missing file falls back to defaults and WARREN_* env)")
}
