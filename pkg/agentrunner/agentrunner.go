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

// Package agentrunner builds and drives one model-agent turn against a
// CallFrame (spec §4.6).
//
// Model is the same single GenerateContent(ctx, req, stream)
// iter.Seq2[*Response, error] shape as pkg/model.LLM — Hector v2's
// unified streaming/non-streaming interface — but with Request/Response
// redefined locally instead of reusing pkg/model's, because that package
// carries conversation messages as github.com/a2aproject/a2a-go/a2a.Message
// values. A2A transport is an explicit non-goal here (see DESIGN.md), so
// Message stays the opaque callframe.Message the rest of the runtime
// already treats it as, and Request/Response carry only what the scheduler
// and event pipeline need.
package agentrunner

import (
	"context"
	"fmt"
	"iter"
	"path"
	"time"

	"github.com/zby/agentrt/pkg/callframe"
	"github.com/zby/agentrt/pkg/catalog"
	"github.com/zby/agentrt/pkg/rterrors"
	"github.com/zby/agentrt/pkg/rtevent"
	"github.com/zby/agentrt/pkg/toolset"
)

// ToolCall is a model-requested tool invocation surfaced mid-run.
type ToolCall struct {
	Tool   string
	Args   map[string]any
	CallID string
}

// Request is what the agent runner sends the model for one turn.
type Request struct {
	Messages          []callframe.Message
	Tools             []toolset.Handle
	SystemInstruction string
}

// Response is one raw event out of the model's GenerateContent stream.
type Response struct {
	TextDelta    string
	Partial      bool
	ToolCalls    []ToolCall
	TurnComplete bool
}

// Model is the narrow model-provider surface the agent runner depends on.
// Defined here, not imported from a provider package, following this
// codebase's "define interfaces where consumed" convention (pkg/model.LLM
// is the shape this mirrors).
type Model interface {
	Name() string
	GenerateContent(ctx context.Context, req *Request) iter.Seq2[*Response, error]
}

// ToolDispatcher invokes a named tool against the active toolset plane,
// returning its result. Implemented by pkg/scheduler; kept as an
// interface here to avoid agentrunner depending on scheduler.
type ToolDispatcher interface {
	DispatchTool(ctx context.Context, toolName, callID string, args map[string]any, run toolset.RunContext) (map[string]any, error)
}

// AttachmentResolver materializes an attachment ref exactly once (spec
// §4.6 "Attachment materialization happens exactly once at step 3").
type AttachmentResolver interface {
	ResolveAttachment(ctx context.Context, ref string) (callframe.Message, error)
}

// Run executes spec §4.6's five steps for one AgentSpec against frame,
// publishing RuntimeEvents through emit and dispatching tool calls through
// dispatcher. It returns the agent's final text output.
func Run(ctx context.Context, spec *catalog.AgentSpec, frame *callframe.CallFrame, model Model, dispatcher ToolDispatcher, attachmentRefs []string, resolver AttachmentResolver, emit func(rtevent.Event)) (string, error) {
	// Step 1: compatible_models validation.
	if len(spec.CompatibleModels) > 0 && !matchesAny(model.Name(), spec.CompatibleModels) {
		return "", rterrors.NewIncompatibleModelError(spec.Name, model.Name(), spec.CompatibleModels)
	}

	// Step 3 (attachments before dispatch, depth==0 history-only rule).
	messages := []callframe.Message{}
	if frame.Config.Depth == 0 {
		messages = append(messages, frame.Messages...)
	}
	for _, ref := range attachmentRefs {
		if resolver == nil {
			continue
		}
		part, err := resolver.ResolveAttachment(ctx, ref)
		if err != nil {
			return "", err
		}
		messages = append(messages, part)
	}
	messages = append(messages, callframe.Message(frame.Prompt))

	tools, err := collectTools(ctx, frame)
	if err != nil {
		return "", err
	}

	req := &Request{
		Messages:          messages,
		Tools:             tools,
		SystemInstruction: spec.Instructions,
	}

	var finalText string
	for resp, genErr := range model.GenerateContent(ctx, req) {
		if genErr != nil {
			return "", rterrors.NewTransportError(genErr)
		}

		if resp.TextDelta != "" {
			if resp.Partial {
				emit(rtevent.New(spec.Name, frame.Config.Depth, time.Now(), rtevent.TextResponseDelta{Partial: resp.TextDelta}))
			} else {
				finalText = resp.TextDelta
				emit(rtevent.New(spec.Name, frame.Config.Depth, time.Now(), rtevent.TextResponseComplete{Full: resp.TextDelta}))
			}
		}

		// ToolCall/ToolResult events are published by the dispatcher (spec
		// §4.5 "Tool dispatch"), not here: the scheduler is what knows the
		// owning toolset and, for a delegated agent call, needs the
		// ToolCall/ToolResult pair to bracket the child frame's own events
		// at the parent's {agent, depth} (spec §5 Ordering guarantees).
		for _, tc := range resp.ToolCalls {
			result, err := dispatcher.DispatchTool(ctx, tc.Tool, tc.CallID, tc.Args, frame.RunContext())
			if err != nil {
				return "", err
			}
			messages = append(messages, callframe.Message(result))
		}

		if resp.TurnComplete {
			break
		}
	}

	// Step 5: overwrite frame.messages with the final conversation state.
	frame.Messages = messages
	return finalText, nil
}

func collectTools(ctx context.Context, frame *callframe.CallFrame) ([]toolset.Handle, error) {
	var handles []toolset.Handle
	seen := map[string]string{} // tool name -> owning toolset, for the build-time duplicate check
	for _, at := range frame.Config.ActiveToolsets {
		tools, err := at.Capability.GetTools(ctx, frame.RunContext())
		if err != nil {
			return nil, fmt.Errorf("toolset %q: %w", at.Name, err)
		}
		for name, h := range tools {
			if owner, dup := seen[name]; dup {
				return nil, fmt.Errorf("tool name %q declared by both %q and %q in the same active plane", name, owner, at.Name)
			}
			seen[name] = at.Name
			handles = append(handles, h)
		}
	}
	return handles, nil
}

// matchesAny reports whether model satisfies at least one compatible_models
// pattern, using path.Match's shell-glob semantics the same way
// pkg/catalog/builder.go treats these patterns as opaque strings validated
// (not matched) at build time.
func matchesAny(model string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, model); err == nil && ok {
			return true
		}
	}
	return false
}
