package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("RFC3339 timestamp", func(t *testing.T) {
		got, err := Parse("2026-08-01T12:00:00Z")
		require.NoError(t, err)

		want := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
		assert.Equal(t, want, got)
	})

	t.Run("relative duration", func(t *testing.T) {
		got, err := Parse("1h")
		require.NoError(t, err)

		want := time.Now().Add(-time.Hour).UnixMilli()
		assert.InDelta(t, want, got, float64(time.Second.Milliseconds()))
	})

	t.Run("empty spec", func(t *testing.T) {
		_, err := Parse("")
		assert.ErrorContains(t, err, "empty time specification")
	})

	t.Run("garbage spec", func(t *testing.T) {
		_, err := Parse("yesterday")
		assert.ErrorContains(t, err, "invalid time specification")
	})
}

func TestParseRange(t *testing.T) {
	t.Run("both bounds", func(t *testing.T) {
		since, until, err := ParseRange("2h", "1h")
		require.NoError(t, err)
		assert.Less(t, since, until)
	})

	t.Run("open ended", func(t *testing.T) {
		since, until, err := ParseRange("30m", "")
		require.NoError(t, err)
		assert.Positive(t, since)
		assert.Zero(t, until)
	})

	t.Run("inverted range rejected", func(t *testing.T) {
		_, _, err := ParseRange("1h", "2h")
		assert.ErrorContains(t, err, "--since must be before --until")
	})

	t.Run("bad since", func(t *testing.T) {
		_, _, err := ParseRange("nope", "")
		assert.ErrorContains(t, err, "invalid --since")
	})
}
