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

// Package toolset defines the Toolset capability (spec §3, §4.4): a
// uniform surface that the built-in toolsets (filesystem, shell,
// agent-as-tool, dynamic-agent) and any user-registered
// toolset all implement, dispatched through a common approval pipeline.
//
// The interface hierarchy mirrors this codebase's existing tool.Tool /
// tool.CallableTool / tool.Toolset split (see pkg/tool/tool.go), adapted
// from a static per-tool RequiresApproval() bit to the dynamic,
// per-invocation needs_approval/describe_approval/get_capabilities shape
// the spec requires.
package toolset

import "context"

// RunContext is the narrow, consumer-defined view a toolset needs of the
// call it's running under. It is satisfied by *callframe.CallFrame without
// toolset importing callframe (avoids an import cycle — callframe depends
// on toolset, not the reverse, following the teacher's "define interfaces
// where consumed" convention from pkg/runner.Config).
type RunContext interface {
	Depth() int
	InvocationName() string
	Prompt() string
}

// Handle is an opaque per-tool snapshot returned by GetTools and threaded
// back into CallTool, letting a toolset cache per-tool setup (e.g. a
// resolved absolute base path) across the lifetime of one CallScope.
type Handle struct {
	Name        string
	Description string
	Schema      map[string]any
	impl        any
}

// WithImpl attaches toolset-private data to a Handle; Impl retrieves it.
// None of the built-in toolsets use it.
func (h Handle) WithImpl(v any) Handle { h.impl = v; return h }
func (h Handle) Impl() any             { return h.impl }

// Capability is the uniform surface every toolset exposes (spec §3).
type Capability interface {
	// Name returns the toolset's registry name.
	Name() string

	// GetTools returns a lazy snapshot of the tools this toolset exposes
	// for the given call. The scheduler calls it on every tool dispatch, so
	// it can run many times within one CallScope.
	GetTools(ctx context.Context, run RunContext) (map[string]Handle, error)

	// CallTool invokes a named tool. handle is the value GetTools produced
	// for this tool name.
	CallTool(ctx context.Context, toolName string, args map[string]any, run RunContext, handle Handle) (map[string]any, error)

	// NeedsApproval reports whether this specific invocation requires a
	// human decision before CallTool runs.
	NeedsApproval(ctx context.Context, toolName string, args map[string]any, run RunContext) (bool, error)

	// DescribeApproval renders a human-readable description of the
	// pending action, shown in an ApprovalRequest event.
	DescribeApproval(ctx context.Context, toolName string, args map[string]any, run RunContext) (string, error)

	// GetCapabilities reports a policy-relevant capability set for this
	// invocation (e.g. "write", "network") used by approval UIs.
	GetCapabilities(toolName string, args map[string]any) []string
}

// Teardown is an optional interface a Capability may implement to release
// resources when its owning CallScope exits. Checked via duck typing
// (interface{ Close() error }), matching the teacher's lifecycle-hook
// convention for optional interfaces (e.g. pkg/runtime.Runtime's Close
// checks on loaded components).
type Teardown interface {
	Close() error
}

// Factory produces a Capability instance for one call. Toolset instances
// are per-call (spec §3 Relationships & Ownership) — never shared across
// concurrent top-level runs or sibling sub-calls.
type Factory func(run RunContext) (Capability, error)

// Predicate filters tools within a toolset plane, mirroring tool.Predicate.
type Predicate func(run RunContext, toolName string) bool

func AllowAll() Predicate { return func(RunContext, string) bool { return true } }
func DenyAll() Predicate  { return func(RunContext, string) bool { return false } }

func StringPredicate(allowed []string) Predicate {
	set := make(map[string]bool, len(allowed))
	for _, n := range allowed {
		set[n] = true
	}
	return func(_ RunContext, name string) bool { return set[name] }
}

// Decision is the human response to an ApprovalRequest (spec §4.4 step 4).
type Decision int

const (
	Deny Decision = iota
	Allow
	AllowSession
)

// Callback is the policy hook consulted by the approval pipeline. Absent
// it, or under an approve_all/reject_all policy, the pipeline never calls
// it (spec §4.4 steps 2-3).
type Callback func(ctx context.Context, toolName string, args map[string]any, description string, capabilities []string) (Decision, error)
