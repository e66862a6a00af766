package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ralph-fleet/ralphd/internal/sessionrunner"
)

// CLISessionRunner implements sessionrunner.SessionRunner by shelling
// out to an external coding-agent CLI binary, the same process-spawn
// idiom ScriptCommandRunner uses for setup/survey scripts. It treats
// the agent binary as opaque: argument conventions, session-resume
// flags, and output framing are the binary's own contract, never
// reimplemented here.
type CLISessionRunner struct {
	Bin  string
	Args []string
}

// NewCLISessionRunner returns a runner invoking bin with the given
// extra arguments ahead of each call's own arguments.
func NewCLISessionRunner(bin string, args []string) *CLISessionRunner {
	return &CLISessionRunner{Bin: bin, Args: args}
}

func (r *CLISessionRunner) RunAgent(ctx context.Context, repoPath, agent, prompt string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return r.invoke(ctx, repoPath, opts, append([]string{"run", "--agent", agent, "--prompt", prompt}, r.Args...)...)
}

func (r *CLISessionRunner) ContinueSession(ctx context.Context, repoPath, sessionID, msg string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	return r.invoke(ctx, repoPath, opts, append([]string{"continue", "--session", sessionID, "--message", msg}, r.Args...)...)
}

func (r *CLISessionRunner) ContinueCommand(ctx context.Context, repoPath, sessionID, command string, args []string, opts sessionrunner.Options) (*sessionrunner.Result, error) {
	cmdArgs := append([]string{"continue", "--session", sessionID, "--command", command}, args...)
	return r.invoke(ctx, repoPath, opts, append(cmdArgs, r.Args...)...)
}

func (r *CLISessionRunner) invoke(ctx context.Context, repoPath string, opts sessionrunner.Options, args ...string) (*sessionrunner.Result, error) {
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Dir = repoPath
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := &sessionrunner.Result{
		Success:   err == nil,
		SessionID: opts.CacheKey,
		Output:    out.String(),
	}
	if ctx.Err() != nil {
		result.WatchdogTimeout = true
	}
	if err != nil && ctx.Err() == nil {
		return result, fmt.Errorf("run %s: %w", r.Bin, err)
	}
	return result, nil
}
