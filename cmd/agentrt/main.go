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

// Command agentrt is the CLI for the agent runtime.
//
// Usage:
//
//	agentrt run --manifest manifest.yaml --entry main "do the thing"
//	agentrt validate --manifest manifest.yaml
//	agentrt version
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/zby/agentrt/pkg/rtevent"
	"github.com/zby/agentrt/pkg/runtime"
	"github.com/zby/agentrt/pkg/toolset"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Run      RunCmd      `cmd:"" help:"Run a catalog entry against a prompt."`
	Validate ValidateCmd `cmd:"" help:"Load and validate a manifest."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentrt %s\n", version)
	return nil
}

// ValidateCmd loads a manifest and every agent file it names, reporting
// the first error encountered without running anything.
type ValidateCmd struct {
	Manifest string `required:"" help:"Path to the manifest file." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	rt, err := runtime.New(c.Manifest)
	if err != nil {
		return fmt.Errorf("manifest is invalid: %w", err)
	}
	agents := rt.Catalog().AgentNames()
	fmt.Printf("manifest OK: %d agent(s)\n", len(agents))
	for _, name := range agents {
		fmt.Printf("  - %s\n", name)
	}
	return nil
}

// RunCmd runs one catalog entry to completion, printing the result and,
// when requested, every RuntimeEvent emitted along the way.
type RunCmd struct {
	Manifest string `required:"" help:"Path to the manifest file." type:"path"`
	Entry    string `required:"" help:"Name of the catalog entry (agent or function) to run."`
	Prompt   string `arg:"" optional:"" help:"Prompt text. Reads stdin when omitted."`

	Verbose  bool   `help:"Print every RuntimeEvent to stderr as it is emitted."`
	Approve  string `help:"Approval policy: ask (default; no callback, approval-requiring calls proceed), allow, deny." default:"ask" enum:"ask,allow,deny"`
	Root     string `name:"fs-root" help:"Base path for the filesystem toolset (default: manifest directory)." type:"path"`
	ReadOnly bool   `name:"fs-readonly" help:"Mount the filesystem toolset read-only."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	prompt := c.Prompt
	if prompt == "" {
		scanner := bufio.NewScanner(os.Stdin)
		var sb strings.Builder
		for scanner.Scan() {
			sb.WriteString(scanner.Text())
			sb.WriteString("\n")
		}
		prompt = strings.TrimSpace(sb.String())
	}

	var opts []runtime.Option
	if approvalOpt := approvalPolicyOption(c.Approve); approvalOpt != nil {
		opts = append(opts, approvalOpt)
	}
	if c.Verbose {
		opts = append(opts, runtime.WithEventSink(rtevent.Sink(func(ev rtevent.Event) {
			fmt.Fprintf(os.Stderr, "[depth=%d %s] %s: %+v\n", ev.Depth, ev.Agent, ev.Kind, ev.Payload)
		})))
	}
	if c.Root != "" {
		opts = append(opts, runtime.WithFilesystemRoot(c.Root, c.ReadOnly))
	}

	rt, err := runtime.New(c.Manifest, opts...)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	out, _, err := rt.RunEntry(ctx, c.Entry, prompt, nil)
	if err != nil {
		return fmt.Errorf("run %q: %w", c.Entry, err)
	}
	fmt.Println(out)
	return nil
}

// approvalPolicyOption installs a fixed-decision approval callback for
// the allow/deny policy names the CLI's --approve flag accepts. "ask"
// returns nil and keeps the runtime's no-callback default: calls that
// require approval proceed without a prompt. This CLI has no interactive
// approval prompt.
func approvalPolicyOption(policy string) runtime.Option {
	switch policy {
	case "allow":
		return runtime.WithApprovalCallback(func(ctx context.Context, toolName string, args map[string]any, description string, capabilities []string) (toolset.Decision, error) {
			return toolset.AllowSession, nil
		})
	case "deny":
		return runtime.WithApprovalCallback(func(ctx context.Context, toolName string, args map[string]any, description string, capabilities []string) (toolset.Decision, error) {
			return toolset.Deny, nil
		})
	default:
		return nil
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentrt"),
		kong.Description("agentrt - multi-agent LLM execution runtime"),
		kong.UsageOnError(),
	)

	lvl := slog.LevelInfo
	switch strings.ToLower(cli.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
