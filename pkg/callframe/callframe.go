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

// Package callframe holds the per-call mutable state the scheduler
// threads through a run: CallConfig, CallFrame, and the CallScope
// lifecycle guard (spec §3).
package callframe

import (
	"fmt"
	"sync"

	"github.com/zby/agentrt/pkg/toolset"
)

// Message is an opaque model-message value. The concrete shape is owned by
// the model-agent boundary (pkg/agentrunner); the scheduler and catalog
// never interpret it, only append/replace the slice (spec §1 treats the
// LLM provider SDK as an external async primitive).
type Message any

// ActiveToolset pairs a toolset name with its per-call Capability
// instance, preserving plane order for first-match-wins tool lookup
// (spec §4.5 "Tool dispatch").
type ActiveToolset struct {
	Name       string
	Capability toolset.Capability
}

// CallConfig is immutable for the lifetime of one call chain (spec §3).
type CallConfig struct {
	ActiveToolsets []ActiveToolset
	Model          string
	Depth          int
	InvocationName string
}

// CallFrame is mutable per-call state (spec §3).
type CallFrame struct {
	Config   CallConfig
	Prompt   string
	Messages []Message
}

func New(config CallConfig, prompt string, history []Message) *CallFrame {
	msgs := history
	if msgs == nil {
		msgs = []Message{}
	}
	return &CallFrame{Config: config, Prompt: prompt, Messages: msgs}
}

// Fork produces an independent child frame: depth+1, empty messages (spec
// §3 "fork()", §8 invariant 2 — delegation never shares conversation
// history). The parent's Messages slice is untouched by anything the
// child does afterward, since the child owns its own slice header.
func (f *CallFrame) Fork(prompt string, newToolsets []ActiveToolset, newModel, newName string) *CallFrame {
	return &CallFrame{
		Config: CallConfig{
			ActiveToolsets: newToolsets,
			Model:          newModel,
			Depth:          f.Config.Depth + 1,
			InvocationName: newName,
		},
		Prompt:   prompt,
		Messages: []Message{},
	}
}

// RunContext returns the toolset.RunContext view of this frame. CallFrame
// itself cannot implement the interface directly (its Prompt field and the
// interface's Prompt() method would collide), so a tiny adapter carries
// the three read-only accessors a toolset needs.
func (f *CallFrame) RunContext() toolset.RunContext { return frameRunContext{f} }

type frameRunContext struct{ f *CallFrame }

func (r frameRunContext) Depth() int             { return r.f.Config.Depth }
func (r frameRunContext) InvocationName() string { return r.f.Config.InvocationName }
func (r frameRunContext) Prompt() string         { return r.f.Prompt }

// Frame recovers the originating CallFrame from its RunContext view. Used
// by pkg/scheduler to thread the parent frame through the agent-as-tool
// dispatch path, where the toolset layer only ever hands back the narrow
// toolset.RunContext interface.
func (r frameRunContext) Frame() *CallFrame { return r.f }

var _ toolset.RunContext = frameRunContext{}

// CallScope owns the concrete toolset instances materialized for one call
// and guarantees their teardown hook runs exactly once on every exit path
// (spec §3 "CallScope", §8 invariant 4), mirroring the teacher's
// reverse-declared-defer idiom (pkg/runner.Runner.Run) but generalized to
// an arbitrary number of tracked instances torn down via duck-typed
// toolset.Teardown checks (pkg/runtime.Runtime's lifecycle-hook pattern).
type CallScope struct {
	mu        sync.Mutex
	instances []toolset.Capability
	torn      bool
}

func NewCallScope() *CallScope {
	return &CallScope{}
}

// Track registers a toolset instance for teardown when the scope ends.
func (s *CallScope) Track(c toolset.Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = append(s.instances, c)
}

// Teardown invokes every tracked instance's Close() hook, if it has one.
// Idempotent: calling it twice only tears down once. Errors from
// individual toolsets are collected, not short-circuited, so one
// misbehaving toolset never prevents another's cleanup.
func (s *CallScope) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.torn {
		return nil
	}
	s.torn = true

	var errs []error
	for _, inst := range s.instances {
		if closer, ok := inst.(toolset.Teardown); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", inst.Name(), err))
			}
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("call scope teardown: %v", errs)
}
