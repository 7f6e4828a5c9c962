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

// Package scheduler implements the Call-frame Scheduler (spec §4.5): the
// construction, delegation, and tool-dispatch logic driving one top-level
// run from entry to final frame.
//
// Grounded on pkg/runner/runner.go's Run(...) iter.Seq2[*agent.Event,
// error] entry contract and its three-defer-reverse-order teardown idiom,
// generalized to CallScope teardown over an arbitrary number of toolset
// instances via the duck-typed toolset.Teardown check (the same
// interface{ Close() error } pattern pkg/runtime.Runtime uses for its own
// lifecycle hooks).
package scheduler

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/zby/agentrt/pkg/agentrunner"
	"github.com/zby/agentrt/pkg/callframe"
	"github.com/zby/agentrt/pkg/catalog"
	"github.com/zby/agentrt/pkg/rterrors"
	"github.com/zby/agentrt/pkg/rtconfig"
	"github.com/zby/agentrt/pkg/rtevent"
	"github.com/zby/agentrt/pkg/toolset"
	"github.com/zby/agentrt/pkg/toolset/approval"
)

// State is the per-frame state machine spec §4.5 names.
type State int

const (
	Built State = iota
	Dispatched
	Running
	Completed
	Failed
	Denied
)

// ModelResolver selects the agentrunner.Model backing a model name.
// Implemented by the runtime facade's provider wiring, never by scheduler
// itself — scheduler only ever asks for a model by name.
type ModelResolver interface {
	Resolve(modelName string) (agentrunner.Model, error)
}

// CallableResolver resolves a FunctionEntry's module:symbol reference to a
// Go value (spec §4.1); scheduler expects the resolved value to satisfy
// FunctionCallable.
type CallableResolver interface {
	Resolve(ref string) (any, error)
}

// WorkerRuntime is the facade a FunctionCallable or custom tool receives
// (spec §4.6 "deps_type is the WorkerRuntime facade exposing frame +
// config + spawn_child to custom tools").
type WorkerRuntime interface {
	Frame() *callframe.CallFrame
	Config() *rtconfig.RuntimeConfig
	SpawnChild(ctx context.Context, agentName, input string, attachments []string) (string, error)
}

// FunctionCallable is the shape a FunctionEntry's resolved symbol must
// have to be dispatched by run_entry.
type FunctionCallable func(ctx context.Context, worker WorkerRuntime) (string, error)

// Scheduler drives run_entry and delegation over one Catalog.
type Scheduler struct {
	cfg       *rtconfig.RuntimeConfig
	models    ModelResolver
	callables CallableResolver
	resolver  agentrunner.AttachmentResolver
	approvals *approval.SessionCache
}

// New returns a Scheduler bound to cfg. models resolves model names to
// agentrunner.Model instances; callables resolves FunctionEntry refs;
// attachments materializes attachment refs (may be nil if the manifest
// declares no attachment-bearing entries).
func New(cfg *rtconfig.RuntimeConfig, models ModelResolver, callables CallableResolver, attachments agentrunner.AttachmentResolver) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		models:    models,
		callables: callables,
		resolver:  attachments,
		approvals: approval.NewSessionCache(),
	}
}

// RunEntry implements spec §4.5's entry contract:
// run_entry(entry, prompt, message_history?) -> (output, final-frame).
func (s *Scheduler) RunEntry(ctx context.Context, entry catalog.Entry, prompt string, history []callframe.Message) (string, *callframe.CallFrame, error) {
	switch e := entry.(type) {
	case *catalog.AgentSpec:
		return s.runAgentEntry(ctx, e, prompt, history)
	case *catalog.FunctionEntry:
		return s.runFunctionEntry(ctx, e, prompt, history)
	default:
		return "", nil, fmt.Errorf("unsupported entry type %T", entry)
	}
}

// runAgentEntry executes construction steps 1-7 for an AgentSpec entry.
func (s *Scheduler) runAgentEntry(ctx context.Context, spec *catalog.AgentSpec, prompt string, history []callframe.Message) (string, *callframe.CallFrame, error) {
	scope := callframe.NewCallScope()
	defer scope.Teardown()

	activeToolsets, err := s.instantiateToolsets(ctx, scope, spec.ToolsetRefs, 0, spec.Name)
	if err != nil {
		return "", nil, err
	}

	model := spec.Model
	if model == "" {
		model = s.cfg.CLIModel
	}

	frame := callframe.New(callframe.CallConfig{
		ActiveToolsets: activeToolsets,
		Model:          model,
		Depth:          0,
		InvocationName: spec.Name,
	}, prompt, history)

	s.cfg.Emit(rtevent.New(spec.Name, 0, time.Now(), rtevent.UserMessage{Content: prompt}))

	output, err := s.dispatchAgent(ctx, spec, frame)
	if err != nil {
		s.emitError(spec.Name, frame.Config.Depth, err)
		return "", frame, err
	}
	return output, frame, nil
}

// runFunctionEntry resolves and invokes a code-callable entry (spec §3
// FunctionEntry, §4.1 reference resolution).
func (s *Scheduler) runFunctionEntry(ctx context.Context, fn *catalog.FunctionEntry, prompt string, history []callframe.Message) (string, *callframe.CallFrame, error) {
	scope := callframe.NewCallScope()
	defer scope.Teardown()

	activeToolsets, err := s.instantiateToolsets(ctx, scope, fn.ToolsetRefs, 0, fn.Name)
	if err != nil {
		return "", nil, err
	}

	frame := callframe.New(callframe.CallConfig{
		ActiveToolsets: activeToolsets,
		Model:          s.cfg.CLIModel,
		Depth:          0,
		InvocationName: fn.Name,
	}, prompt, history)

	s.cfg.Emit(rtevent.New(fn.Name, 0, time.Now(), rtevent.UserMessage{Content: prompt}))

	if s.callables == nil {
		return "", frame, fmt.Errorf("entry %q is a function entry but no CallableResolver is configured", fn.Name)
	}
	resolved, err := s.callables.Resolve(fn.Ref)
	if err != nil {
		return "", frame, err
	}
	callable, ok := resolved.(FunctionCallable)
	if !ok {
		return "", frame, rterrors.NewUnknownRefError(fn.Ref, fmt.Errorf("resolved value is not a scheduler.FunctionCallable"))
	}

	worker := &workerRuntime{s: s, frame: frame}
	output, err := callable(ctx, worker)
	if err != nil {
		s.emitError(fn.Name, frame.Config.Depth, err)
		return "", frame, err
	}
	return output, frame, nil
}

// dispatchAgent runs one AgentSpec against frame via pkg/agentrunner,
// wiring the ToolDispatcher back into this Scheduler so nested tool/agent
// calls route through the same delegation and dispatch logic.
func (s *Scheduler) dispatchAgent(ctx context.Context, spec *catalog.AgentSpec, frame *callframe.CallFrame) (string, error) {
	model, err := s.models.Resolve(frame.Config.Model)
	if err != nil {
		return "", err
	}

	emit := func(ev rtevent.Event) { s.cfg.Emit(ev) }
	dispatcher := &frameDispatcher{s: s, frame: frame}

	return agentrunner.Run(ctx, spec, frame, model, dispatcher, nil, s.resolver, emit)
}

// DispatchTool implements agentrunner.ToolDispatcher for one frame: it
// locates the owning toolset by name in the active plane (first match
// wins; duplicate tool names across toolsets within one plane are
// rejected by agentrunner when it assembles the frame's tool list, never
// resolved here) and, if the name matches
// a registered agent instead, delegates per spec §4.5 "Delegation".
type frameDispatcher struct {
	s     *Scheduler
	frame *callframe.CallFrame
}

func (d *frameDispatcher) DispatchTool(ctx context.Context, toolName, callID string, args map[string]any, run toolset.RunContext) (map[string]any, error) {
	return d.s.dispatchTool(ctx, d.frame, toolName, callID, args, run)
}

// dispatchTool is spec §4.5's "Tool dispatch": locate the owning toolset,
// emit ToolCall, await the wrapped call_tool, emit ToolResult. This same
// path also carries delegation: an agent-as-tool wrapper's CallTool routes
// into Scheduler.Dispatch, which forks and runs the child frame before
// returning here — so the ToolCall/ToolResult pair emitted below brackets
// the child's own events at the parent's {agent, depth}, matching spec §5
// Ordering guarantees.
func (s *Scheduler) dispatchTool(ctx context.Context, frame *callframe.CallFrame, toolName, callID string, args map[string]any, run toolset.RunContext) (map[string]any, error) {
	for _, at := range frame.Config.ActiveToolsets {
		tools, err := at.Capability.GetTools(ctx, run)
		if err != nil {
			return nil, err
		}
		handle, ok := tools[toolName]
		if !ok {
			continue
		}

		// Depth invariant (spec §8 invariant 3): a frame whose depth would
		// exceed max_depth is never dispatched, so an agent-as-tool call
		// that would push depth past the limit fails here, before its
		// ToolCall event is published, rather than emitting a ToolCall that
		// never gets a matching ToolResult.
		if target, isAgent := s.cfg.Catalog.Agent(toolName); isAgent {
			nextDepth := frame.Config.Depth + 1
			if nextDepth > s.cfg.MaxDepth {
				return nil, rterrors.NewMaxDepthExceededError(frame.Config.InvocationName, target.Name, nextDepth, s.cfg.MaxDepth)
			}
		}

		s.cfg.Emit(rtevent.New(frame.Config.InvocationName, frame.Config.Depth, time.Now(), rtevent.ToolCall{Tool: toolName, Args: args, CallID: callID}))
		result, err := at.Capability.CallTool(ctx, toolName, args, run, handle)
		if err != nil {
			return nil, err
		}
		s.cfg.Emit(rtevent.New(frame.Config.InvocationName, frame.Config.Depth, time.Now(), rtevent.ToolResult{Result: result, CallID: callID}))
		return result, nil
	}

	return nil, fmt.Errorf("no toolset in the active plane exposes tool %q", toolName)
}

// Dispatch implements agenttool.DispatchFunc (and dynamicagent's identical
// shape): it is the function late-bound into agenttool.Dispatcher.Dispatch
// and dynamicagent.Config.Dispatcher.Dispatch once this Scheduler exists,
// closing the cycle those packages defer for exactly this reason. It
// recovers the calling frame from run (via callframe's exported Frame()
// accessor on its RunContext view) and forks a child through SpawnChild.
func (s *Scheduler) Dispatch(ctx context.Context, agentName, input string, attachments []string, run toolset.RunContext) (map[string]any, error) {
	carrier, ok := run.(interface{ Frame() *callframe.CallFrame })
	if !ok {
		return nil, fmt.Errorf("agent dispatch requires a callframe-backed RunContext, got %T", run)
	}
	output, err := s.SpawnChild(ctx, carrier.Frame(), agentName, input, attachments)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": output}, nil
}

// SpawnChild implements the delegation path (spec §4.5 "Delegation"): look
// up the target agent, compute the effective model, fork a child frame,
// enforce max_depth, and run the child.
func (s *Scheduler) SpawnChild(ctx context.Context, frame *callframe.CallFrame, agentName, input string, attachments []string) (string, error) {
	target, ok := s.cfg.Catalog.Agent(agentName)
	if !ok {
		return "", rterrors.NewUnknownEntryError(agentName)
	}

	effectiveModel := target.Model
	if effectiveModel == "" {
		effectiveModel = frame.Config.Model
	}
	if len(target.CompatibleModels) > 0 && !modelMatchesAny(effectiveModel, target.CompatibleModels) {
		return "", rterrors.NewIncompatibleModelError(target.Name, effectiveModel, target.CompatibleModels)
	}

	scope := callframe.NewCallScope()
	defer scope.Teardown()
	childToolsets, err := s.instantiateToolsets(ctx, scope, target.ToolsetRefs, frame.Config.Depth+1, target.Name)
	if err != nil {
		return "", err
	}

	child := frame.Fork(input, childToolsets, effectiveModel, target.Name)
	if child.Config.Depth > s.cfg.MaxDepth {
		return "", rterrors.NewMaxDepthExceededError(frame.Config.InvocationName, target.Name, child.Config.Depth, s.cfg.MaxDepth)
	}

	s.cfg.Emit(rtevent.New(target.Name, child.Config.Depth, time.Now(), rtevent.UserMessage{Content: input}))

	model, err := s.models.Resolve(child.Config.Model)
	if err != nil {
		return "", err
	}
	emit := func(ev rtevent.Event) { s.cfg.Emit(ev) }
	dispatcher := &frameDispatcher{s: s, frame: child}

	return agentrunner.Run(ctx, target, child, model, dispatcher, attachments, s.resolver, emit)
}

// instantiateToolsets is construction step 1+2: instantiate each ref's
// factory within scope and wrap it with the approval pipeline.
func (s *Scheduler) instantiateToolsets(ctx context.Context, scope *callframe.CallScope, refs []string, depth int, invocationName string) ([]callframe.ActiveToolset, error) {
	run := staticRunContext{depth: depth, name: invocationName}

	active := make([]callframe.ActiveToolset, 0, len(refs))
	for _, ref := range refs {
		def, ok := s.cfg.Catalog.Toolset(ref)
		if !ok {
			return nil, rterrors.NewUnknownToolsetError(ref)
		}
		inst, err := def.Factory(run)
		if err != nil {
			return nil, fmt.Errorf("instantiate toolset %q: %w", ref, err)
		}
		scope.Track(inst)

		wrapped := approval.Wrap(inst, approval.Config{
			Policy:                 approval.PolicyPrompt,
			Callback:               s.cfg.ApprovalCallback,
			Cache:                  s.approvals,
			ReturnPermissionErrors: s.cfg.ReturnPermissionErrors,
			PreApproved:            s.preApprovedFor(ref),
		})
		active = append(active, callframe.ActiveToolset{Name: ref, Capability: wrapped})
	}
	return active, nil
}

// preApprovedFor implements Open Question 3's "creation implies consent":
// an agent-as-tool wrapper for an agent created via agent_create earlier
// in this run is pre-approved on every subsequent call.
func (s *Scheduler) preApprovedFor(toolsetRef string) func(toolName string, args map[string]any) bool {
	return func(toolName string, args map[string]any) bool {
		spec, ok := s.cfg.Catalog.Agent(toolName)
		if !ok {
			return false
		}
		return spec.GeneratedAt() > 0
	}
}

func (s *Scheduler) emitError(agent string, depth int, err error) {
	kind := fmt.Sprintf("%T", err)
	s.cfg.Emit(rtevent.New(agent, depth, time.Now(), rtevent.Error{Kind: kind, Message: err.Error()}))
}

type workerRuntime struct {
	s     *Scheduler
	frame *callframe.CallFrame
}

func (w *workerRuntime) Frame() *callframe.CallFrame    { return w.frame }
func (w *workerRuntime) Config() *rtconfig.RuntimeConfig { return w.s.cfg }
func (w *workerRuntime) SpawnChild(ctx context.Context, agentName, input string, attachments []string) (string, error) {
	return w.s.SpawnChild(ctx, w.frame, agentName, input, attachments)
}

var _ WorkerRuntime = (*workerRuntime)(nil)

type staticRunContext struct {
	depth int
	name  string
}

func (r staticRunContext) Depth() int             { return r.depth }
func (r staticRunContext) InvocationName() string { return r.name }
func (r staticRunContext) Prompt() string         { return "" }

var _ toolset.RunContext = staticRunContext{}

// modelMatchesAny uses path.Match's shell-glob semantics, the same
// opaque-pattern treatment pkg/agentrunner applies to compatible_models.
func modelMatchesAny(model string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := path.Match(p, model); err == nil && ok {
			return true
		}
	}
	return false
}
