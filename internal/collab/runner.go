package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/client"

	"github.com/dyluth/warren/internal/config"
)

// Runner executes one collaborator invocation against a workspace directory.
// A process that ran and failed comes back as a *CollaboratorError; a nil
// error means exit code zero.
type Runner interface {
	Run(ctx context.Context, workingDir string, env []string) (*RunResult, error)
}

// RunResult is a successful collaborator invocation.
type RunResult struct {
	ExitCode int
	Output   string // Combined stdout and stderr, capped
}

// NewGenerator builds the configured generator collaborator. dockerClient may
// be nil when the collaborator is kind "exec".
func NewGenerator(cfg config.CollaboratorConfig, dockerClient *client.Client) (Generator, error) {
	r, err := newRunner("generator", cfg, dockerClient)
	if err != nil {
		return nil, err
	}
	return &RunnerGenerator{name: "generator", runner: r}, nil
}

// NewTestRunner builds the configured test collaborator. dockerClient may be
// nil when the collaborator is kind "exec".
func NewTestRunner(cfg config.CollaboratorConfig, dockerClient *client.Client) (TestRunner, error) {
	r, err := newRunner("tester", cfg, dockerClient)
	if err != nil {
		return nil, err
	}
	return &RunnerTestRunner{name: "tester", runner: r}, nil
}

func newRunner(name string, cfg config.CollaboratorConfig, dockerClient *client.Client) (Runner, error) {
	switch cfg.Kind {
	case "exec":
		return NewExecRunner(name, cfg)
	case "docker":
		if dockerClient == nil {
			return nil, fmt.Errorf("collaborator '%s' is kind docker but no Docker client is available", name)
		}
		return NewDockerRunner(name, cfg, dockerClient), nil
	default:
		return nil, fmt.Errorf("collaborator '%s' has unknown kind: %s", name, cfg.Kind)
	}
}

// RunnerGenerator drives a collaborator process to realize a spec diff inside
// a workspace. It writes SpecDiffFile before the run and reads the optional
// GenerateReportFile afterwards.
type RunnerGenerator struct {
	name   string
	runner Runner
}

func (g *RunnerGenerator) Generate(ctx context.Context, diff *SpecDiff, workingDir string) (*GenerateResult, error) {
	if err := WriteSpecDiff(workingDir, diff); err != nil {
		return nil, err
	}
	// A report left behind by an earlier attempt must never be read as this
	// run's result.
	os.Remove(filepath.Join(workingDir, GenerateReportFile))

	env := []string{
		"WARREN_REQUEST_ID=" + diff.RequestID,
		fmt.Sprintf("WARREN_BASE_REVISION=%d", diff.BaseRevision),
	}
	res, err := g.runner.Run(ctx, workingDir, env)
	if err != nil {
		return nil, err
	}

	report, err := readGenerateReport(workingDir)
	if err != nil {
		return nil, &CollaboratorError{Collaborator: g.name, Output: res.Output, Err: err}
	}

	result := &GenerateResult{Output: res.Output}
	if report != nil {
		result.FilesWritten = report.FilesWritten
	}
	return result, nil
}

// RunnerTestRunner drives a collaborator process to validate a workspace.
//
// The verdict comes from TestReportFile when the runner leaves one behind;
// otherwise the exit code decides, so a plain test command works unwrapped.
// Only a process that never produced an exit code (failed to start, timed
// out, wait error) is a runner malfunction.
type RunnerTestRunner struct {
	name   string
	runner Runner
}

func (t *RunnerTestRunner) RunTests(ctx context.Context, workingDir string) (*TestResult, error) {
	os.Remove(filepath.Join(workingDir, TestReportFile))

	res, err := t.runner.Run(ctx, workingDir, []string{"WARREN_WORKSPACE=/workspace"})

	var output string
	if err != nil {
		var collabErr *CollaboratorError
		if !errors.As(err, &collabErr) || collabErr.ExitCode <= 0 {
			return nil, err
		}
		output = collabErr.Output
	} else {
		output = res.Output
	}

	report, rerr := readTestReport(workingDir)
	if rerr != nil {
		return nil, &CollaboratorError{Collaborator: t.name, Output: output, Err: rerr}
	}
	if report != nil {
		diagnostics := report.Diagnostics
		if diagnostics == "" && !report.Passed {
			diagnostics = tail(output, maxDiagnosticBytes)
		}
		return &TestResult{Passed: report.Passed, Coverage: report.Coverage, Diagnostics: diagnostics}, nil
	}

	result := &TestResult{Passed: err == nil}
	if !result.Passed {
		result.Diagnostics = tail(output, maxDiagnosticBytes)
	}
	return result, nil
}
