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

// Package agenttool implements the Agent toolset (spec §4.4): exposing a
// single registered agent as one callable tool that always forks a child
// CallFrame.
//
// Building this factory requires invoking the scheduler, but the
// scheduler itself depends on pkg/catalog (to look up agents and
// toolsets) — importing pkg/scheduler here would close that cycle back on
// itself. Dispatcher breaks it the way the teacher's own
// pkg/runtime.Runtime defers wiring a forward reference until
// construction finishes: the zero-value Dispatcher is handed to
// pkg/catalog.NewBuilder as the AgentToolFactoryFunc's backing value
// before the scheduler exists, and its Dispatch field is assigned once
// the scheduler is built. The factory closures created earlier read
// Dispatch through the pointer at call time, long after wiring completes,
// so the order of construction never matters to a caller.
package agenttool

import (
	"context"
	"fmt"

	"github.com/zby/agentrt/pkg/toolset"
)

// DispatchFunc invokes a named agent with the given input and attachment
// refs, forking a child CallFrame, and returns the child's final output
// (spec §4.4 "Its invocation always forks a child CallFrame").
type DispatchFunc func(ctx context.Context, agentName string, input string, attachments []string, run toolset.RunContext) (map[string]any, error)

// Dispatcher late-binds the scheduler's agent-invocation entrypoint. Its
// Dispatch field starts nil and must be set once, after the scheduler is
// constructed, before the first tool call reaches it.
type Dispatcher struct {
	Dispatch DispatchFunc
}

// Factory returns an AgentToolFactoryFunc-compatible factory: it builds a
// toolset.Factory producing one single-tool Capability named for
// agentName, calling back into d.Dispatch for CallTool.
func (d *Dispatcher) Factory(agentName, description string, inputSchema map[string]any) toolset.Factory {
	return func(run toolset.RunContext) (toolset.Capability, error) {
		return &agentTool{
			dispatcher:  d,
			agentName:   agentName,
			description: description,
			inputSchema: inputSchema,
		}, nil
	}
}

type agentTool struct {
	dispatcher  *Dispatcher
	agentName   string
	description string
	inputSchema map[string]any
}

func (t *agentTool) Name() string { return t.agentName }

func (t *agentTool) GetTools(ctx context.Context, run toolset.RunContext) (map[string]toolset.Handle, error) {
	schema := t.inputSchema
	if schema == nil {
		schema = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input":       map[string]any{"type": "string", "description": "The request to send to the agent"},
				"attachments": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Attachment references to pass along"},
			},
			"required": []string{"input"},
		}
	}
	return map[string]toolset.Handle{
		t.agentName: {
			Name:        t.agentName,
			Description: t.description,
			Schema:      schema,
		},
	}, nil
}

// NeedsApproval defaults to "agent calls require approval" (spec §4.4);
// manifest/per-agent overrides are applied by the catalog/approval wiring
// layer, not here.
func (t *agentTool) NeedsApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (bool, error) {
	return true, nil
}

func (t *agentTool) DescribeApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (string, error) {
	input, _ := args["input"].(string)
	return fmt.Sprintf("Delegate to agent %q: %q", t.agentName, input), nil
}

func (t *agentTool) GetCapabilities(toolName string, args map[string]any) []string {
	return []string{"agent:delegate"}
}

func (t *agentTool) CallTool(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext, handle toolset.Handle) (map[string]any, error) {
	if t.dispatcher == nil || t.dispatcher.Dispatch == nil {
		return nil, fmt.Errorf("agent toolset %q called before the scheduler dispatcher was wired", t.agentName)
	}
	input, _ := args["input"].(string)
	var attachments []string
	if raw, ok := args["attachments"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				attachments = append(attachments, s)
			}
		}
	}
	return t.dispatcher.Dispatch(ctx, t.agentName, input, attachments, run)
}

var _ toolset.Capability = (*agentTool)(nil)
