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

// Package catalog builds the immutable, validated graph of agents, tools,
// and toolsets a Runtime executes against (spec §4.3). It is grounded on
// pkg/runtime.Runtime's multi-pass buildAgents algorithm (LLM/remote pass
// -> workflow pass -> link-wiring pass -> rebuild pass), generalized down
// to the two passes spec §4.3 names, and on pkg/registry.BaseRegistry[T]
// for its three index maps.
package catalog

import "github.com/zby/agentrt/pkg/toolset"

// AgentSpec is declarative configuration for an LLM agent (spec §3).
type AgentSpec struct {
	Name             string
	Instructions     string
	Model            string
	ToolsetRefs      []string
	InputSchema      map[string]any
	CompatibleModels []string
	ServerSideTools  []map[string]any
	Description      string

	// ShareHistoryWithChildren is future-proofing for spec §9's open
	// question on nested delegated calls; no built-in path sets it to
	// true, so fork() always starts children with empty messages (the
	// decision recorded in DESIGN.md).
	ShareHistoryWithChildren bool

	// generatedAt records the process-run agent_create call that produced
	// this spec, if any; 0 for agents loaded from agent files. Used to
	// pre-approve calls to a same-run-created agent's agent-as-tool
	// wrapper (spec §4.4, §9 Open Question 3).
	generatedAt int // monotonic sequence number at creation time, 0 = static
}

// GeneratedAt reports the dynamic-agent creation sequence number, or 0 if
// this spec came from a static agent file.
func (a *AgentSpec) GeneratedAt() int { return a.generatedAt }

// FunctionEntry is a declarative code-callable entry (spec §3).
type FunctionEntry struct {
	Name        string
	Ref         string // module:symbol, resolved via pkg/refresolver
	ToolsetRefs []string
	InputSchema map[string]any
}

// ToolDef is a reference-able callable tool: either a plain function tool
// or a toolset-wrapped tool (spec §3).
type ToolDef struct {
	Name string
}

// ToolsetDef is a factory producing a toolset.Capability, or an
// already-instantiated one (spec §3).
type ToolsetDef struct {
	Name    string
	Factory toolset.Factory
}

// Entry is anything an outside caller can select to start a run (spec
// §4.3 "Entry exposure"): an AgentSpec or a FunctionEntry.
type Entry interface {
	EntryName() string
}

func (a *AgentSpec) EntryName() string      { return a.Name }
func (f *FunctionEntry) EntryName() string  { return f.Name }
