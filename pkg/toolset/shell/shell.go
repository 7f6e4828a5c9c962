// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shell implements the built-in Shell toolset (spec §4.4): a
// single shell(command, [timeout]) operation that tokenizes its argument
// into argv, classifies it against a rule list, and executes it directly
// (never through /bin/sh -c) so the metacharacter-blocking check at
// approval time is meaningful: what gets approved is exactly what runs.
//
// Output capture and byte-cap truncation are grounded on
// internal/tools/exec.Manager's limitedBuffer and exitCode idiom (the
// nexus example repo); context-based timeout handling is grounded on the
// same file's context.WithTimeout + exec.CommandContext pattern. No
// third-party shlex-equivalent exists anywhere in the retrieval pack (see
// DESIGN.md), so argv tokenization below is hand-written stdlib.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/go-hclog"

	"github.com/zby/agentrt/pkg/toolset"
)

// metacharacters that must never appear in an argv token reaching the
// approval UI unexpanded (spec §4.4): blocked during approval only, never
// during execution, since direct argv exec never interprets them anyway.
var approvalBlockedMeta = []string{"|", ";", "$(", "`", "&&", "||", ">", "<"}

// Verdict is a rule's classification of a command (spec §4.4 "{approval
// required? / pre-approved / blocked}").
type Verdict int

const (
	VerdictRequireApproval Verdict = iota
	VerdictPreApproved
	VerdictBlocked
)

// Rule matches a command name plus an optional argv-prefix (spec §4.4
// "Rules match tokenized argv to prevent git matching gitx").
type Rule struct {
	Command string   // exact argv[0] match, e.g. "git"
	Prefix  []string // optional additional argv prefix to match, e.g. []string{"push"}
	Verdict Verdict
}

func (r Rule) matches(argv []string) bool {
	if len(argv) == 0 || argv[0] != r.Command {
		return false
	}
	if len(r.Prefix) == 0 {
		return true
	}
	if len(argv)-1 < len(r.Prefix) {
		return false
	}
	for i, tok := range r.Prefix {
		if argv[i+1] != tok {
			return false
		}
	}
	return true
}

// Config parameterizes one Shell toolset instance.
type Config struct {
	Rules          []Rule
	DefaultVerdict Verdict
	ByteCap        int           // 0 means no cap
	DefaultTimeout time.Duration // used when the caller omits timeout
	Dir            string        // working directory for spawned commands
	Logger         hclog.Logger  // subprocess diagnostics; nil disables logging
}

const toolShell = "shell"

type shellToolset struct {
	cfg Config
	log hclog.Logger
}

// New returns the Shell toolset factory.
func New(cfg Config) toolset.Factory {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return func(run toolset.RunContext) (toolset.Capability, error) {
		return &shellToolset{cfg: cfg, log: log.Named("shell")}, nil
	}
}

func (s *shellToolset) Name() string { return toolShell }

func (s *shellToolset) GetTools(ctx context.Context, run toolset.RunContext) (map[string]toolset.Handle, error) {
	return map[string]toolset.Handle{
		toolShell: {
			Name:        toolShell,
			Description: "Execute a shell command and capture its stdout/stderr/exit code.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "The command line to run"},
					"timeout": map[string]any{"type": "number", "description": "Timeout in seconds; 0 or omitted uses the configured default"},
				},
				"required": []string{"command"},
			},
		},
	}, nil
}

func (s *shellToolset) classify(argv []string) Verdict {
	for _, r := range s.cfg.Rules {
		if r.matches(argv) {
			return r.Verdict
		}
	}
	return s.cfg.DefaultVerdict
}

// NeedsApproval blocks metacharacters at this stage only (spec §4.4): a
// command classified pre-approved but carrying a metacharacter still must
// not slip through unapproved, since the model could construct one that
// the rule list didn't anticipate.
func (s *shellToolset) NeedsApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (bool, error) {
	command, _ := args["command"].(string)
	if containsApprovalBlockedMeta(command) {
		return true, nil
	}

	argv, err := tokenize(command)
	if err != nil {
		return true, nil
	}
	switch s.classify(argv) {
	case VerdictBlocked:
		return true, nil // surfaced to the human; the callback is expected to deny
	case VerdictPreApproved:
		return false, nil
	default:
		return true, nil
	}
}

func (s *shellToolset) DescribeApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (string, error) {
	command, _ := args["command"].(string)
	argv, err := tokenize(command)
	if err != nil {
		return fmt.Sprintf("Run shell command %q (unparseable)", command), nil
	}
	verdict := s.classify(argv)
	switch verdict {
	case VerdictBlocked:
		return fmt.Sprintf("Run shell command %q (blocked by policy)", command), nil
	default:
		return fmt.Sprintf("Run shell command %q", command), nil
	}
}

func (s *shellToolset) GetCapabilities(toolName string, args map[string]any) []string {
	return []string{"shell:execute"}
}

func (s *shellToolset) CallTool(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext, handle toolset.Handle) (map[string]any, error) {
	command, _ := args["command"].(string)
	argv, err := tokenize(command)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	if s.classify(argv) == VerdictBlocked {
		return nil, fmt.Errorf("command %q is blocked by shell toolset policy", command)
	}

	timeout := s.cfg.DefaultTimeout
	switch v := args["timeout"].(type) {
	case float64:
		if v > 0 {
			timeout = time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			timeout = time.Duration(v) * time.Second
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.log.Debug("executing", "argv", argv, "timeout", timeout)

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	if s.cfg.Dir != "" {
		cmd.Dir = s.cfg.Dir
	}

	stdout := newCappedBuffer(s.cfg.ByteCap)
	stderr := newCappedBuffer(s.cfg.ByteCap)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		// Non-fatal structured timeout result (spec §4.4 "not a fatal").
		return map[string]any{
			"timed_out": true,
			"stdout":    stdout.String(),
			"stdout_truncated": stdout.truncated(),
			"stderr":    stderr.String(),
			"stderr_truncated": stderr.truncated(),
		}, nil
	}

	return map[string]any{
		"timed_out":        false,
		"exit_code":        exitCode(runErr),
		"stdout":           stdout.String(),
		"stdout_truncated": stdout.truncated(),
		"stderr":           stderr.String(),
		"stderr_truncated": stderr.truncated(),
	}, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func containsApprovalBlockedMeta(command string) bool {
	for _, m := range approvalBlockedMeta {
		if strings.Contains(command, m) {
			return true
		}
	}
	return false
}

// tokenize splits command into argv, honoring single and double quotes.
// No third-party shlex-equivalent exists in the retrieval pack (see
// DESIGN.md); this is a minimal, quote-aware hand-written splitter, not a
// full POSIX shell grammar.
func tokenize(command string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	hasToken := false

	flush := func() {
		if hasToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasToken = false
		}
	}

	for _, r := range command {
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(r)
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			} else {
				cur.WriteRune(r)
			}
		case r == '\'':
			inSingle = true
			hasToken = true
		case r == '"':
			inDouble = true
			hasToken = true
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
			hasToken = true
		}
	}
	if inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	flush()
	return tokens, nil
}

// cappedBuffer truncates past a configured byte cap, grounded on
// internal/tools/exec.limitedBuffer (nexus), adapted to report whether
// truncation occurred rather than only exposing the capped bytes.
type cappedBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	cap  int
	drop bool
}

func newCappedBuffer(cap int) *cappedBuffer { return &cappedBuffer{cap: cap} }

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cap <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.cap - b.buf.Len()
	if remaining <= 0 {
		b.drop = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.drop = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drop
}

var _ toolset.Capability = (*shellToolset)(nil)
