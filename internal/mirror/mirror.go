// Package mirror maintains a local git repository that tracks every published
// snapshot, one commit per publish. The mirror is an audit surface for humans
// and external tooling; the engine treats it as best-effort and never fails a
// publish over it.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/warren/pkg/specgraph"
)

const (
	// SnapshotJSONFile is the canonical snapshot rendering in the mirror.
	SnapshotJSONFile = "spec.json"

	// SnapshotYAMLFile is a human-friendly rendering of the same snapshot,
	// kept alongside the JSON because YAML diffs read better in review.
	SnapshotYAMLFile = "spec.yaml"

	commitName  = "warren"
	commitEmail = "warren@localhost"
)

// GitOperationError is a failed git operation with enough context to act on.
type GitOperationError struct {
	Op   string // "open", "write", "add", "commit"
	Repo string
	Err  error
}

func (e *GitOperationError) Error() string {
	return fmt.Sprintf("git %s failed in %s: %v", e.Op, e.Repo, e.Err)
}

func (e *GitOperationError) Unwrap() error {
	return e.Err
}

// IsGitOperationError reports whether err is (or wraps) a GitOperationError.
func IsGitOperationError(err error) bool {
	var ge *GitOperationError
	return errors.As(err, &ge)
}

// Mirror is a git repository holding the latest published snapshot.
type Mirror struct {
	path string
	repo *git.Repository
}

// Open opens the mirror repository at path, initializing it on first use.
func Open(path string) (*Mirror, error) {
	if path == "" {
		return nil, fmt.Errorf("mirror path is required")
	}
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, &GitOperationError{Op: "open", Repo: path, Err: err}
	}

	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(path, false)
	}
	if err != nil {
		return nil, &GitOperationError{Op: "open", Repo: path, Err: err}
	}

	return &Mirror{path: path, repo: repo}, nil
}

// Path returns the mirror repository location.
func (m *Mirror) Path() string {
	return m.path
}

// RecordPublish writes the snapshot into the worktree and commits it with the
// revision, version and publishing request in the message. Recording the same
// snapshot twice is a no-op, so replaying a publish after a crash is safe.
func (m *Mirror) RecordPublish(g *specgraph.Graph) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return &GitOperationError{Op: "write", Repo: m.path, Err: err}
	}
	data = append(data, '\n')

	if err := os.WriteFile(filepath.Join(m.path, SnapshotJSONFile), data, 0644); err != nil {
		return &GitOperationError{Op: "write", Repo: m.path, Err: err}
	}

	yamlData, err := yamlRendering(data)
	if err != nil {
		return &GitOperationError{Op: "write", Repo: m.path, Err: err}
	}
	if err := os.WriteFile(filepath.Join(m.path, SnapshotYAMLFile), yamlData, 0644); err != nil {
		return &GitOperationError{Op: "write", Repo: m.path, Err: err}
	}

	wt, err := m.repo.Worktree()
	if err != nil {
		return &GitOperationError{Op: "commit", Repo: m.path, Err: err}
	}
	for _, name := range []string{SnapshotJSONFile, SnapshotYAMLFile} {
		if _, err := wt.Add(name); err != nil {
			return &GitOperationError{Op: "add", Repo: m.path, Err: err}
		}
	}

	msg := fmt.Sprintf("publish revision %d (version %s)\n\nrequest: %s\n", g.Revision, g.Version, g.PublishedBy)
	_, err = wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{
			Name:  commitName,
			Email: commitEmail,
			When:  time.Now(),
		},
	})
	if errors.Is(err, git.ErrEmptyCommit) {
		// Snapshot already recorded; nothing new to commit.
		return nil
	}
	if err != nil {
		return &GitOperationError{Op: "commit", Repo: m.path, Err: err}
	}
	return nil
}

// yamlRendering converts the canonical JSON snapshot into YAML. Going through
// a generic map keeps the two files derived from the same bytes; yaml.v3
// sorts map keys, so the output is deterministic.
func yamlRendering(jsonData []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}
