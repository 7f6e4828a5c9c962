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

// Package dynamicagent implements the Dynamic-agent toolset (spec §4.4):
// agent_create and agent_call, letting a running agent mint and invoke
// new agents at runtime.
//
// It sits above pkg/catalog (to register the generated AgentSpec) and
// pkg/toolset/agenttool (to dispatch agent_call through the same
// late-bound Dispatcher the static agent toolset uses) without closing
// any cycle back toward pkg/scheduler, which is exactly what
// agenttool.Dispatcher exists to avoid.
package dynamicagent

import (
	"context"
	"fmt"

	"github.com/zby/agentrt/pkg/catalog"
	"github.com/zby/agentrt/pkg/toolset"
	"github.com/zby/agentrt/pkg/toolset/agenttool"
)

const (
	toolCreate = "agent_create"
	toolCall   = "agent_call"
)

// Config parameterizes one Dynamic-agent toolset instance.
type Config struct {
	Catalog    *catalog.Catalog
	Dispatcher *agenttool.Dispatcher
}

type dynamicAgentToolset struct {
	cfg Config
}

// New returns the Dynamic-agent toolset factory.
func New(cfg Config) toolset.Factory {
	return func(run toolset.RunContext) (toolset.Capability, error) {
		return &dynamicAgentToolset{cfg: cfg}, nil
	}
}

func (d *dynamicAgentToolset) Name() string { return "dynamic_agent" }

func (d *dynamicAgentToolset) GetTools(ctx context.Context, run toolset.RunContext) (map[string]toolset.Handle, error) {
	return map[string]toolset.Handle{
		toolCreate: {
			Name:        toolCreate,
			Description: "Create a new agent definition and register it for this process run.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":         map[string]any{"type": "string"},
					"instructions": map[string]any{"type": "string"},
					"toolsets":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"model":        map[string]any{"type": "string"},
				},
				"required": []string{"name", "instructions", "toolsets"},
			},
		},
		toolCall: {
			Name:        toolCall,
			Description: "Invoke a previously-created agent.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"input":       map[string]any{"type": "string"},
					"attachments": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []string{"name", "input"},
			},
		},
	}, nil
}

// NeedsApproval mirrors the static agent toolset's default
// ("agent calls require approval") for agent_create, but never asks for
// agent_call, whichever agent it names: agent_create is itself gated, and
// creation implies consent (spec §4.4, §9 Open Question 3). agent_call is
// not limited to agents made by agent_create; it can invoke any agent in
// the catalog, static ones included.
func (d *dynamicAgentToolset) NeedsApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (bool, error) {
	switch toolName {
	case toolCreate:
		return true, nil
	case toolCall:
		return false, nil
	default:
		return false, fmt.Errorf("unknown tool %q", toolName)
	}
}

func (d *dynamicAgentToolset) DescribeApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (string, error) {
	switch toolName {
	case toolCreate:
		name, _ := args["name"].(string)
		return fmt.Sprintf("Create new agent %q", name), nil
	default:
		return fmt.Sprintf("%s(%v)", toolName, args), nil
	}
}

func (d *dynamicAgentToolset) GetCapabilities(toolName string, args map[string]any) []string {
	switch toolName {
	case toolCreate:
		return []string{"agent:create"}
	case toolCall:
		return []string{"agent:delegate"}
	}
	return nil
}

func (d *dynamicAgentToolset) CallTool(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext, handle toolset.Handle) (map[string]any, error) {
	switch toolName {
	case toolCreate:
		return d.create(args)
	case toolCall:
		return d.call(ctx, args, run)
	default:
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}
}

func (d *dynamicAgentToolset) create(args map[string]any) (map[string]any, error) {
	name, _ := args["name"].(string)
	instructions, _ := args["instructions"].(string)
	model, _ := args["model"].(string)

	var toolsetRefs []string
	if raw, ok := args["toolsets"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				toolsetRefs = append(toolsetRefs, s)
			}
		}
	}

	spec := &catalog.AgentSpec{
		Name:         name,
		Instructions: instructions,
		Model:        model,
		ToolsetRefs:  toolsetRefs,
	}

	if err := d.cfg.Catalog.AddGeneratedAgent(spec); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "name": name}, nil
}

func (d *dynamicAgentToolset) call(ctx context.Context, args map[string]any, run toolset.RunContext) (map[string]any, error) {
	name, _ := args["name"].(string)
	input, _ := args["input"].(string)

	if _, exists := d.cfg.Catalog.Agent(name); !exists {
		return nil, fmt.Errorf("no such agent %q", name)
	}

	var attachments []string
	if raw, ok := args["attachments"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				attachments = append(attachments, s)
			}
		}
	}

	if d.cfg.Dispatcher == nil || d.cfg.Dispatcher.Dispatch == nil {
		return nil, fmt.Errorf("dynamic_agent toolset called before the scheduler dispatcher was wired")
	}
	return d.cfg.Dispatcher.Dispatch(ctx, name, input, attachments, run)
}

var _ toolset.Capability = (*dynamicAgentToolset)(nil)
