package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/resolver"
	"github.com/dyluth/warren/pkg/canon"
)

// connect loads the CLI configuration and opens a verified canon client.
// The caller owns the returned client and must Close it.
func connect(ctx context.Context, cmd *cobra.Command) (*config.CLIConfig, *canon.Client, error) {
	// A missing default warren.yml falls back to env and defaults, but an
	// explicitly named file must exist.
	if cmd.Flags().Changed("config") {
		if _, err := os.Stat(configPath); err != nil {
			return nil, nil, printer.Error(
				fmt.Sprintf("config file not found: %s", configPath),
				"The path given with --config does not exist.",
				[]string{"Check the path, or drop --config to use defaults and WARREN_* environment variables"},
			)
		}
	}

	cfg, err := config.LoadCLI(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return nil, nil, err
	}

	client, err := canon.NewClient(redisOpts, cfg.Instance)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create canon client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Redis.URL),
			map[string]string{"Instance": cfg.Instance},
			[]string{
				"Check that the orchestrator's Redis is reachable from here",
				"Point the CLI at a different Redis:\n  WARREN_REDIS_URL=redis://host:6379/0 warren " + cmd.Name(),
			},
		)
	}

	return cfg, client, nil
}

// resolveRequestArg resolves a full or short request ID argument, rendering
// resolver failures as CLI errors with suggestions.
func resolveRequestArg(ctx context.Context, client *canon.Client, arg string) (string, error) {
	requestID, err := resolver.ResolveRequestID(ctx, client, arg)
	if err == nil {
		return requestID, nil
	}

	var ambiguous *resolver.AmbiguousError
	if errors.As(err, &ambiguous) {
		return "", printer.Error(
			err.Error(),
			resolver.FormatAmbiguousError(ambiguous),
			nil,
		)
	}

	if resolver.IsNotFoundError(err) {
		return "", printer.Error(
			err.Error(),
			"No change request matches that ID.",
			[]string{"List known requests:\n  warren list"},
		)
	}

	return "", err
}
