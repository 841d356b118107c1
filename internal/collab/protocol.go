package collab

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/warren/pkg/canon"
	"github.com/dyluth/warren/pkg/specgraph"
)

// File names of the workspace exchange protocol. All three live in the root
// of the workspace directory, which docker collaborators see as /workspace.
const (
	// SpecDiffFile is written by the engine before the generator runs.
	SpecDiffFile = "specdiff.json"

	// GenerateReportFile may be left behind by a generator to report which
	// files it wrote. Optional; a missing report only loses the file list.
	GenerateReportFile = "genreport.json"

	// TestReportFile may be left behind by a test runner to report pass,
	// coverage and diagnostics. Optional; without it the exit code decides
	// the verdict and the captured output becomes the diagnostics.
	TestReportFile = "testreport.json"
)

// SpecDiff is the change payload handed to a generator: the entity mutations
// of one request, ordered so that entities others reference come first.
type SpecDiff struct {
	RequestID    string                   `json:"request_id"`
	IssueID      string                   `json:"issue_id,omitempty"`
	BaseRevision int64                    `json:"base_revision"`
	Changes      []specgraph.EntityChange `json:"changes"`
}

// BuildSpecDiff orders the request's changes against the workspace graph so
// generators can emit artifacts in dependency order.
func BuildSpecDiff(req *canon.ChangeRequest, g *specgraph.Graph) *SpecDiff {
	byID := make(map[string]specgraph.EntityChange, len(req.Changes))
	for _, ch := range req.Changes {
		byID[ch.EntityID] = ch
	}

	ordered := make([]specgraph.EntityChange, 0, len(req.Changes))
	for _, id := range g.ChangeOrder(req.Changes.TouchedList()) {
		if ch, ok := byID[id]; ok {
			ordered = append(ordered, ch)
		}
	}

	return &SpecDiff{
		RequestID:    req.ID,
		IssueID:      req.IssueID,
		BaseRevision: g.Revision,
		Changes:      ordered,
	}
}

// WriteSpecDiff renders the diff as indented JSON at SpecDiffFile inside dir.
func WriteSpecDiff(dir string, diff *SpecDiff) error {
	data, err := json.MarshalIndent(diff, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal spec diff: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(filepath.Join(dir, SpecDiffFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", SpecDiffFile, err)
	}
	return nil
}

// generateReport is the JSON shape of GenerateReportFile.
type generateReport struct {
	FilesWritten []string `json:"files_written"`
}

// testReport is the JSON shape of TestReportFile.
type testReport struct {
	Passed      bool    `json:"passed"`
	Coverage    float64 `json:"coverage"`
	Diagnostics string  `json:"diagnostics"`
}

// readGenerateReport loads GenerateReportFile from dir. A missing file is not
// an error; a malformed one is.
func readGenerateReport(dir string) (*generateReport, error) {
	data, err := os.ReadFile(filepath.Join(dir, GenerateReportFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", GenerateReportFile, err)
	}

	var report generateReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", GenerateReportFile, err)
	}
	return &report, nil
}

// readTestReport loads TestReportFile from dir. A missing file is not an
// error; a malformed one is.
func readTestReport(dir string) (*testReport, error) {
	data, err := os.ReadFile(filepath.Join(dir, TestReportFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", TestReportFile, err)
	}

	var report testReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", TestReportFile, err)
	}
	return &report, nil
}
