package collab

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dyluth/warren/pkg/canon"
)

// LogNotifier records terminal states in the daemon log and nothing else.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a LogNotifier writing to the given logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, ev *TerminalEvent) error {
	fields := []zap.Field{
		zap.String("request_id", ev.RequestID),
		zap.String("state", string(ev.State)),
	}
	if ev.IssueID != "" {
		fields = append(fields, zap.String("issue_id", ev.IssueID))
	}
	if ev.Stage != "" {
		fields = append(fields, zap.String("stage", string(ev.Stage)))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if ev.State == canon.StatePublished {
		fields = append(fields, zap.Int64("revision", ev.Revision), zap.String("version", ev.Version))
	}

	n.logger.Info("change request reached terminal state", fields...)
	return nil
}

// IssueCommentNotifier writes one formatted comment body per terminal event
// into a spool directory. An external bridge posts them to the issue tracker
// and deletes them; events without an issue ID are skipped.
type IssueCommentNotifier struct {
	spoolDir string
}

// NewIssueCommentNotifier builds a notifier spooling into dir.
func NewIssueCommentNotifier(dir string) *IssueCommentNotifier {
	return &IssueCommentNotifier{spoolDir: dir}
}

func (n *IssueCommentNotifier) Notify(ctx context.Context, ev *TerminalEvent) error {
	if ev.IssueID == "" {
		return nil
	}

	if err := os.MkdirAll(n.spoolDir, 0750); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%s.md", ev.AtMs, sanitizeSpoolName(ev.IssueID), shortRequestID(ev.RequestID))
	final := filepath.Join(n.spoolDir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, []byte(RenderComment(ev)), 0644); err != nil {
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	// The bridge may scan the spool at any moment; rename keeps half-written
	// files out of its view.
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish spool file: %w", err)
	}
	return nil
}

// RenderComment formats the issue-tracker comment body for a terminal event.
func RenderComment(ev *TerminalEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "### Change request `%s`: %s\n\n", shortRequestID(ev.RequestID), ev.State)

	switch ev.State {
	case canon.StatePublished:
		fmt.Fprintf(&b, "The change was merged into the specification as revision %d (version %s).\n", ev.Revision, ev.Version)
	case canon.StateFailed:
		if ev.Stage != "" {
			fmt.Fprintf(&b, "The request failed during %s: %s\n", ev.Stage, ev.Reason)
		} else {
			fmt.Fprintf(&b, "The request failed: %s\n", ev.Reason)
		}
	case canon.StateAbandoned:
		reason := ev.Reason
		if reason == "" {
			reason = "cancelled by the requester"
		}
		fmt.Fprintf(&b, "The request was abandoned: %s\n", reason)
	}

	if ev.Diagnostic != "" {
		fmt.Fprintf(&b, "\n```\n%s\n```\n", strings.TrimRight(ev.Diagnostic, "\n"))
	}
	if ev.Requester != "" {
		fmt.Fprintf(&b, "\nRequested by %s.\n", ev.Requester)
	}

	return b.String()
}

func shortRequestID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// sanitizeSpoolName keeps issue IDs filesystem-safe. Anything outside
// [a-zA-Z0-9._-] becomes a dash.
func sanitizeSpoolName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, s)
}
