// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// cliProc adapts an *exec.Cmd's pipes to the Proc interface.
type cliProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   io.Reader
}

func (p *cliProc) Stdin() io.WriteCloser { return p.stdin }
func (p *cliProc) Stdout() io.Reader     { return p.out }
func (p *cliProc) Wait() error           { return p.cmd.Wait() }
func (p *cliProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// CLILauncher launches the real AI CLI as a streaming NDJSON subprocess,
// grounded on the teacher's internal/claude/manager.go ensureProcess
// (exec.CommandContext, stdin/stdout pipes, --resume when continuing a
// provider session). It is authoritative: the child writes the session's
// transcript file itself, so Process must not also mirror user input into
// in-memory history (spec §4.C). On a fresh start it is pinned to the
// Supervisor's session id via --session-id, the same flag
// other_examples/56f2dbb8_giantswarm-klaus__pkg-claude-options.go.go uses
// to fix the child's transcript path in advance instead of letting it pick
// one, so transcript.Store.SessionPath resolves to a file the child
// actually writes.
type CLILauncher struct {
	// Path is the AI CLI executable, e.g. "claude" (config.Agent.CLIPath).
	Path string
}

func (l *CLILauncher) Authoritative() bool { return true }

func (l *CLILauncher) Launch(ctx context.Context, workDir, sessionID, resumeSessionID string) (Proc, error) {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
		"--include-partial-messages",
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	} else if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}

	cmd := exec.CommandContext(ctx, l.Path, args...)
	cmd.Dir = workDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent: create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent: start %s: %w", l.Path, err)
	}

	return &cliProc{cmd: cmd, stdin: stdin, out: stdout}, nil
}
