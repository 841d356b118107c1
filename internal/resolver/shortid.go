package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/warren/pkg/canon"
)

// MinShortIDLength is the minimum accepted length for short ID prefixes.
// Shorter prefixes match too many requests to be useful.
const MinShortIDLength = 6

// ResolveRequestID resolves a short ID prefix to a full request UUID.
// Returns the full UUID if exactly one match is found.
// Returns an error if zero or multiple matches are found.
//
// The function handles three cases:
// 1. Input is already a full UUID (36 chars, 4 hyphens) - validates existence
// 2. Input is too short (< 6 chars) - returns validation error
// 3. Input is a short prefix - scans for matches and returns the unique result
func ResolveRequestID(ctx context.Context, client *canon.Client, shortID string) (string, error) {
	// A full UUID is returned as-is once its request is known to exist.
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		_, err := client.GetChangeRequest(ctx, shortID)
		if err != nil {
			if canon.IsNotFound(err) {
				return "", fmt.Errorf("change request not found: %s", shortID)
			}
			return "", fmt.Errorf("failed to verify change request existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := client.ScanChangeRequestIDs(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for change request: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no change requests matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no change requests found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple change requests matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d change requests", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError creates a user-friendly error message for ambiguous short IDs.
// Lists all matching UUIDs (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Error: ambiguous short ID '%s' matches %d change requests:\n", err.ShortID, len(err.Matches))

	displayCount := len(err.Matches)
	if displayCount > 10 {
		displayCount = 10
	}

	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s\n", err.Matches[i])
	}

	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the request."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
