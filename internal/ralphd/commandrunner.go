package ralphd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ScriptCommandRunner implements pipeline.CommandRunner by shelling out to
// operator-provided scripts at the root of a task's worktree, the way
// internal/hugo/run_hugo.go shells out to the external hugo binary: look
// for the binary/script first, skip quietly if absent, run it with the
// worktree as its working directory and stdout/stderr captured.
type ScriptCommandRunner struct {
	SetupScript  string // e.g. "ralph-setup.sh", resolved relative to the worktree root
	SurveyScript string // e.g. "ralph-survey.sh"
}

// NewScriptCommandRunner returns a runner using the spec's conventional
// script names.
func NewScriptCommandRunner() *ScriptCommandRunner {
	return &ScriptCommandRunner{SetupScript: "ralph-setup.sh", SurveyScript: "ralph-survey.sh"}
}

// RunSetup executes SetupScript in dir if present; a missing script is
// not an error, since setup is optional per repo.
func (r *ScriptCommandRunner) RunSetup(ctx context.Context, dir string) error {
	_, err := r.run(ctx, dir, r.SetupScript)
	return err
}

// RunSurvey executes SurveyScript in dir and returns its stdout as the
// survey note; a missing script yields an empty note, not an error.
func (r *ScriptCommandRunner) RunSurvey(ctx context.Context, dir string) (string, error) {
	return r.run(ctx, dir, r.SurveyScript)
}

func (r *ScriptCommandRunner) run(ctx context.Context, dir, script string) (string, error) {
	if script == "" {
		return "", nil
	}
	path := filepath.Join(dir, script)
	if _, err := os.Stat(path); err != nil {
		return "", nil
	}

	cmd := exec.CommandContext(ctx, path)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("run %s: %w", script, err)
	}
	return out.String(), nil
}
