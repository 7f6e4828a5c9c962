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

package scheduler

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zby/agentrt/pkg/agentrunner"
	"github.com/zby/agentrt/pkg/callframe"
	"github.com/zby/agentrt/pkg/catalog"
	"github.com/zby/agentrt/pkg/rtconfig"
	"github.com/zby/agentrt/pkg/rterrors"
	"github.com/zby/agentrt/pkg/rtevent"
	"github.com/zby/agentrt/pkg/toolset"
	"github.com/zby/agentrt/pkg/toolset/agenttool"
	"github.com/zby/agentrt/pkg/toolset/dynamicagent"
	"github.com/zby/agentrt/pkg/toolset/filesystem"
)

// turn is one scripted model.GenerateContent call.
type turn = iter.Seq2[*agentrunner.Response, error]

func textTurn(text string) turn {
	return func(yield func(*agentrunner.Response, error) bool) {
		yield(&agentrunner.Response{TextDelta: text, TurnComplete: true}, nil)
	}
}

func toolCallsThenTextTurn(text string, calls ...agentrunner.ToolCall) turn {
	return func(yield func(*agentrunner.Response, error) bool) {
		if !yield(&agentrunner.Response{ToolCalls: calls}, nil) {
			return
		}
		yield(&agentrunner.Response{TextDelta: text, TurnComplete: true}, nil)
	}
}

// scriptedModel plays back one turn per GenerateContent call, in order,
// regardless of which frame (top-level or delegated) invokes it — mirroring
// how pkg/runtime.ModelResolver caches one provider client per model name
// and reuses it across every frame that names that model.
type scriptedModel struct {
	name  string
	turns []turn
	i     int
}

func (m *scriptedModel) Name() string { return m.name }

func (m *scriptedModel) GenerateContent(ctx context.Context, req *agentrunner.Request) iter.Seq2[*agentrunner.Response, error] {
	if m.i >= len(m.turns) {
		return func(yield func(*agentrunner.Response, error) bool) {}
	}
	t := m.turns[m.i]
	m.i++
	return t
}

var _ agentrunner.Model = (*scriptedModel)(nil)

// singleModelResolver always resolves to the one model it wraps, regardless
// of the requested name — tests name agents after the scenario, not after a
// real provider.
type singleModelResolver struct{ m agentrunner.Model }

func (r singleModelResolver) Resolve(modelName string) (agentrunner.Model, error) { return r.m, nil }

var _ ModelResolver = singleModelResolver{}

// harness assembles a Scheduler the way pkg/runtime.New does: an empty
// Catalog, the agenttool.Dispatcher late-binding cycle, and whichever
// builtin toolsets the scenario needs.
type harness struct {
	cat     *catalog.Catalog
	cfg     *rtconfig.RuntimeConfig
	sched   *Scheduler
	builder *catalog.Builder
	events  []rtevent.Event
}

// newHarness wires a Scheduler over builtins built by builtinsFn, which
// receives the not-yet-built Catalog and the agent-as-tool Dispatcher so a
// builtin like dynamic_agent (which itself needs to mutate the live
// Catalog and dispatch through the same Scheduler) can close over them.
func newHarness(t *testing.T, model agentrunner.Model, maxDepth int, builtinsFn func(cat *catalog.Catalog, dispatcher *agenttool.Dispatcher) map[string]toolset.Factory) *harness {
	t.Helper()
	h := &harness{cat: catalog.NewEmpty()}

	dispatcher := &agenttool.Dispatcher{}
	builtins := builtinsFn(h.cat, dispatcher)
	h.builder = catalog.NewBuilder(h.cat, builtins, dispatcher.Factory)

	h.cfg = rtconfig.New(h.cat)
	h.cfg.MaxDepth = maxDepth
	h.cfg.OnEvent = func(ev rtevent.Event) { h.events = append(h.events, ev) }

	h.sched = New(h.cfg, singleModelResolver{m: model}, nil, nil)
	dispatcher.Dispatch = h.sched.Dispatch
	return h
}

func noBuiltins(cat *catalog.Catalog, dispatcher *agenttool.Dispatcher) map[string]toolset.Factory {
	return map[string]toolset.Factory{}
}

func (h *harness) addAgent(spec *catalog.AgentSpec) {
	h.builder.AddAgent(spec, "test")
}

func (h *harness) finish(t *testing.T) {
	t.Helper()
	_, err := h.builder.Build()
	require.NoError(t, err)
}

func (h *harness) eventsOfKind(kind string) []rtevent.Event {
	var out []rtevent.Event
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// --- S1: simple echo ---------------------------------------------------

func TestRunEntry_S1_SimpleEcho(t *testing.T) {
	model := &scriptedModel{name: "test-model", turns: []turn{textTurn("hello back")}}
	h := newHarness(t, model, rtconfig.DefaultMaxDepth, noBuiltins)
	h.addAgent(&catalog.AgentSpec{Name: "greeter", Model: "test-model"})
	h.finish(t)

	entry, ok := h.cat.Entry("greeter")
	require.True(t, ok)

	out, frame, err := h.sched.RunEntry(context.Background(), entry, "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "hello back", out)
	require.Equal(t, 0, frame.Config.Depth)

	require.Len(t, h.eventsOfKind("user_message"), 1)
	require.Equal(t, rtevent.UserMessage{Content: "hi"}, h.events[0].Payload)

	completes := h.eventsOfKind("text_response_complete")
	require.Len(t, completes, 1)
	require.Equal(t, rtevent.TextResponseComplete{Full: "hello back"}, completes[0].Payload)
}

// --- S2: tool approval allow-session ------------------------------------

func TestRunEntry_S2_ApprovalAllowSessionCaching(t *testing.T) {
	model := &scriptedModel{name: "test-model", turns: []turn{
		toolCallsThenTextTurn("both writes done",
			agentrunner.ToolCall{Tool: "write_file", Args: map[string]any{"path": "a", "content": "x"}, CallID: "c1"},
			agentrunner.ToolCall{Tool: "write_file", Args: map[string]any{"path": "b", "content": "y"}, CallID: "c2"},
		),
	}}

	work := t.TempDir()
	h := newHarness(t, model, rtconfig.DefaultMaxDepth, func(cat *catalog.Catalog, d *agenttool.Dispatcher) map[string]toolset.Factory {
		return map[string]toolset.Factory{"filesystem": filesystem.New(filesystem.Config{BasePath: work})}
	})

	var approvalCalls int
	h.cfg.ApprovalCallback = func(ctx context.Context, toolName string, args map[string]any, description string, capabilities []string) (toolset.Decision, error) {
		approvalCalls++
		return toolset.AllowSession, nil
	}

	h.addAgent(&catalog.AgentSpec{Name: "coder", Model: "test-model", ToolsetRefs: []string{"filesystem"}})
	h.finish(t)

	entry, ok := h.cat.Entry("coder")
	require.True(t, ok)

	out, _, err := h.sched.RunEntry(context.Background(), entry, "write two files", nil)
	require.NoError(t, err)
	require.Equal(t, "both writes done", out)

	// Invariant 5: the callback is only ever consulted once — the second
	// write_file call hits the AllowSession cache.
	require.Equal(t, 1, approvalCalls)

	results := h.eventsOfKind("tool_result")
	require.Len(t, results, 2)
	for _, ev := range results {
		res, ok := ev.Payload.(rtevent.ToolResult)
		require.True(t, ok)
		m, ok := res.Result.(map[string]any)
		require.True(t, ok)
		require.Equal(t, true, m["ok"])
	}
}

// --- S3: depth limit -----------------------------------------------------

func TestRunEntry_S3_DepthLimit(t *testing.T) {
	const maxDepth = 3
	model := &scriptedModel{name: "test-model", turns: []turn{
		toolCallsThenTextTurn("", agentrunner.ToolCall{Tool: "loop", Args: map[string]any{}, CallID: "d0"}),
		toolCallsThenTextTurn("", agentrunner.ToolCall{Tool: "loop", Args: map[string]any{}, CallID: "d1"}),
		toolCallsThenTextTurn("", agentrunner.ToolCall{Tool: "loop", Args: map[string]any{}, CallID: "d2"}),
		toolCallsThenTextTurn("", agentrunner.ToolCall{Tool: "loop", Args: map[string]any{}, CallID: "d3"}),
	}}

	h := newHarness(t, model, maxDepth, noBuiltins)
	h.addAgent(&catalog.AgentSpec{Name: "loop", Model: "test-model", ToolsetRefs: []string{"agent/loop"}})
	h.finish(t)

	entry, ok := h.cat.Entry("loop")
	require.True(t, ok)

	_, _, err := h.sched.RunEntry(context.Background(), entry, "go", nil)
	require.Error(t, err)

	var depthErr *rterrors.MaxDepthExceededError
	require.True(t, errors.As(err, &depthErr))
	require.Equal(t, "loop", depthErr.Caller)
	require.Equal(t, "loop", depthErr.Callee)
	require.Equal(t, maxDepth+1, depthErr.Depth)
	require.Equal(t, maxDepth, depthErr.Max)

	// Exactly 3 ToolCall events precede the failure (spec S3).
	require.Len(t, h.eventsOfKind("tool_call"), maxDepth)
}

// --- S4: permission denied, returning ------------------------------------

func TestRunEntry_S4_PermissionDeniedReturning(t *testing.T) {
	model := &scriptedModel{name: "test-model", turns: []turn{
		toolCallsThenTextTurn("saw the denial", agentrunner.ToolCall{Tool: "read_file", Args: map[string]any{"path": "/etc/passwd"}, CallID: "c1"}),
	}}

	dataDir := t.TempDir()
	h := newHarness(t, model, rtconfig.DefaultMaxDepth, func(cat *catalog.Catalog, d *agenttool.Dispatcher) map[string]toolset.Factory {
		return map[string]toolset.Factory{"filesystem": filesystem.New(filesystem.Config{BasePath: dataDir, ReadOnly: true})}
	})
	h.cfg.ReturnPermissionErrors = true
	h.cfg.ApprovalCallback = func(ctx context.Context, toolName string, args map[string]any, description string, capabilities []string) (toolset.Decision, error) {
		return toolset.Deny, nil
	}

	h.addAgent(&catalog.AgentSpec{Name: "reader", Model: "test-model", ToolsetRefs: []string{"filesystem"}})
	h.finish(t)

	entry, ok := h.cat.Entry("reader")
	require.True(t, ok)

	out, _, err := h.sched.RunEntry(context.Background(), entry, "read /etc/passwd", nil)
	require.NoError(t, err)
	require.Equal(t, "saw the denial", out)

	results := h.eventsOfKind("tool_result")
	require.Len(t, results, 1)
	res := results[0].Payload.(rtevent.ToolResult)
	m, ok := res.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "permission_denied", m["error"])
	require.Equal(t, "read_file", m["tool"])
	require.Contains(t, m, "description")
}

// --- S5: incompatible model ----------------------------------------------

func TestRunEntry_S5_IncompatibleModel(t *testing.T) {
	model := &scriptedModel{name: "openai:gpt-4", turns: []turn{textTurn("unreachable")}}
	h := newHarness(t, model, rtconfig.DefaultMaxDepth, noBuiltins)
	h.addAgent(&catalog.AgentSpec{
		Name:             "picky",
		Model:            "openai:gpt-4",
		CompatibleModels: []string{"anthropic:*"},
	})
	h.finish(t)

	entry, ok := h.cat.Entry("picky")
	require.True(t, ok)

	_, _, err := h.sched.RunEntry(context.Background(), entry, "go", nil)
	require.Error(t, err)

	var incompatErr *rterrors.IncompatibleModelError
	require.True(t, errors.As(err, &incompatErr))
	require.Equal(t, "picky", incompatErr.Agent)
	require.Equal(t, "openai:gpt-4", incompatErr.Model)

	errEvents := h.eventsOfKind("error")
	require.Len(t, errEvents, 1)
}

// --- S6: dynamic agent creation & call ------------------------------------

func TestRunEntry_S6_DynamicAgentCreateAndCall(t *testing.T) {
	model := &scriptedModel{name: "test-model", turns: []turn{
		// bootstrap: agent_create then agent_call, in one turn.
		toolCallsThenTextTurn("created and called",
			agentrunner.ToolCall{Tool: "agent_create", CallID: "c1", Args: map[string]any{
				"name":         "helper",
				"instructions": "You help.",
				"toolsets":     []any{},
			}},
			agentrunner.ToolCall{Tool: "agent_call", CallID: "c2", Args: map[string]any{
				"name":  "helper",
				"input": "hi",
			}},
		),
		// helper's own turn, invoked via the agent_call dispatch above.
		textTurn("hello from helper"),
	}}

	h := newHarness(t, model, rtconfig.DefaultMaxDepth, func(cat *catalog.Catalog, d *agenttool.Dispatcher) map[string]toolset.Factory {
		return map[string]toolset.Factory{"dynamic_agent": dynamicagent.New(dynamicagent.Config{Catalog: cat, Dispatcher: d})}
	})
	h.addAgent(&catalog.AgentSpec{Name: "bootstrap", Model: "test-model", ToolsetRefs: []string{"dynamic_agent"}})
	h.finish(t)

	entry, ok := h.cat.Entry("bootstrap")
	require.True(t, ok)

	out, _, err := h.sched.RunEntry(context.Background(), entry, "go", nil)
	require.NoError(t, err)
	require.Equal(t, "created and called", out)

	_, ok = h.cat.Agent("helper")
	require.True(t, ok)

	// Registering a second generated agent under the same name (what a
	// repeated agent_create does) must fail with DuplicateName.
	err = h.cat.AddGeneratedAgent(&catalog.AgentSpec{Name: "helper", Instructions: "again"})
	require.Error(t, err)
	var dupErr *rterrors.DuplicateNameError
	require.True(t, errors.As(err, &dupErr))
	require.Equal(t, "helper", dupErr.Name)
}

// --- Invariant 2: message history isolation -------------------------------

func TestSpawnChild_MessageHistoryIsolation(t *testing.T) {
	model := &scriptedModel{name: "test-model", turns: []turn{
		textTurn("child done"),
	}}
	h := newHarness(t, model, rtconfig.DefaultMaxDepth, noBuiltins)
	h.addAgent(&catalog.AgentSpec{Name: "child", Model: "test-model"})
	h.finish(t)

	parent := callframe.New(callframe.CallConfig{Model: "test-model", Depth: 0, InvocationName: "parent"}, "parent prompt", []callframe.Message{"prior turn"})

	out, err := h.sched.SpawnChild(context.Background(), parent, "child", "go", nil)
	require.NoError(t, err)
	require.Equal(t, "child done", out)

	// The parent's own message history is untouched by the child's run.
	require.Equal(t, []callframe.Message{"prior turn"}, parent.Messages)
}

// --- Invariant 6: event ordering ------------------------------------------

func TestRunEntry_EventOrdering_ToolCallBeforeResult(t *testing.T) {
	model := &scriptedModel{name: "test-model", turns: []turn{
		toolCallsThenTextTurn("final", agentrunner.ToolCall{Tool: "write_file", Args: map[string]any{"path": "a", "content": "x"}, CallID: "only"}),
	}}
	work := t.TempDir()
	h := newHarness(t, model, rtconfig.DefaultMaxDepth, func(cat *catalog.Catalog, d *agenttool.Dispatcher) map[string]toolset.Factory {
		return map[string]toolset.Factory{"filesystem": filesystem.New(filesystem.Config{BasePath: work})}
	})
	h.cfg.ApprovalCallback = func(ctx context.Context, toolName string, args map[string]any, description string, capabilities []string) (toolset.Decision, error) {
		return toolset.Allow, nil
	}
	h.addAgent(&catalog.AgentSpec{Name: "writer", Model: "test-model", ToolsetRefs: []string{"filesystem"}})
	h.finish(t)

	entry, ok := h.cat.Entry("writer")
	require.True(t, ok)

	_, _, err := h.sched.RunEntry(context.Background(), entry, "write", nil)
	require.NoError(t, err)

	callIdx, resultIdx, completeIdx := -1, -1, -1
	for i, ev := range h.events {
		switch ev.Kind {
		case "tool_call":
			callIdx = i
		case "tool_result":
			resultIdx = i
		case "text_response_complete":
			completeIdx = i
		}
	}
	require.NotEqual(t, -1, callIdx)
	require.NotEqual(t, -1, resultIdx)
	require.Less(t, callIdx, resultIdx, "ToolCall must be published before its ToolResult")
	require.NotEqual(t, -1, completeIdx)
	require.Less(t, resultIdx, completeIdx, "the final text completion follows the tool round-trip")
}
