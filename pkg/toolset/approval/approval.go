// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package approval wraps a toolset.Capability with the policy pipeline from
// spec §4.4.
//
// This is a synchronous adaptation of the source's human-in-the-loop
// pattern. The teacher repo's actual approval flow (agent/llmagent/flow.go)
// is asynchronous: it suspends a call across conversation turns, stashing
// the human's decision in session state keyed by "_approval:<callID>" /
// "_approval_name:<toolName>", and resumes only when a later turn carries
// that state. spec §4.4 instead requires a synchronous in-process
// approval_callback — suspend and resume within one call, never spanning
// turns. This package keeps the source's fingerprint/decision-keying idiom
// and its discipline of clearing a decision immediately after use (here
// expressed as "AllowSession caches, Allow and Deny never do", rather than
// the source's defer-based session-state clear) but drops the turn-
// spanning resumption machinery entirely.
package approval

import (
	"context"

	"github.com/zby/agentrt/pkg/rterrors"
	"github.com/zby/agentrt/pkg/toolset"
)

// Policy selects how the pipeline behaves before consulting the wrapped
// toolset's NeedsApproval (spec §4.4 steps 2-3).
type Policy int

const (
	// PolicyPrompt consults NeedsApproval and, if true, the callback.
	PolicyPrompt Policy = iota
	// PolicyApproveAll proceeds without ever consulting the callback.
	PolicyApproveAll
	// PolicyRejectAll fails every approval-requiring call with PermissionDenied.
	PolicyRejectAll
)

// Fingerprint is the approval cache key (spec GLOSSARY names it a
// normalized (tool-name, stable-serialized-args) "Request fingerprint").
// AllowSession caching here keys on tool name alone: it mirrors the
// teacher's own async flow keying a standing decision as
// "_approval_name:<toolName>" (as opposed to "_approval:<callID>" for a
// single-call Allow) — approving a session means "don't ask about this
// tool again this run", not "don't ask about this exact call again".
type Fingerprint string

func fingerprint(toolName string) Fingerprint { return Fingerprint(toolName) }

// SessionCache holds AllowSession decisions for one run. It is owned by
// the runtime and mutated only under the single-threaded cooperative
// discipline described in spec §5 — no internal locking is needed.
type SessionCache struct {
	allowed map[Fingerprint]bool
}

func NewSessionCache() *SessionCache {
	return &SessionCache{allowed: make(map[Fingerprint]bool)}
}

func (c *SessionCache) has(fp Fingerprint) bool {
	return c.allowed[fp]
}

func (c *SessionCache) remember(fp Fingerprint) {
	c.allowed[fp] = true
}

// Config parameterizes one wrapped toolset instance.
type Config struct {
	Policy                 Policy
	Callback               toolset.Callback
	Cache                  *SessionCache
	ReturnPermissionErrors bool
	// PreApproved marks an invocation as pre-approved regardless of policy
	// (the scheduler uses it for the agent-as-tool wrapper of an agent
	// created by agent_create earlier in this process run; spec §4.4, Open
	// Question 3 — "creation implies consent").
	PreApproved func(toolName string, args map[string]any) bool
}

// Wrap returns a toolset.Capability that enforces the approval pipeline
// around inner's CallTool.
func Wrap(inner toolset.Capability, cfg Config) toolset.Capability {
	return &wrapped{inner: inner, cfg: cfg}
}

type wrapped struct {
	inner toolset.Capability
	cfg   Config
}

func (w *wrapped) Name() string { return w.inner.Name() }

func (w *wrapped) GetTools(ctx context.Context, run toolset.RunContext) (map[string]toolset.Handle, error) {
	return w.inner.GetTools(ctx, run)
}

func (w *wrapped) NeedsApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (bool, error) {
	return w.inner.NeedsApproval(ctx, toolName, args, run)
}

func (w *wrapped) DescribeApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (string, error) {
	return w.inner.DescribeApproval(ctx, toolName, args, run)
}

func (w *wrapped) GetCapabilities(toolName string, args map[string]any) []string {
	return w.inner.GetCapabilities(toolName, args)
}

// Decide runs steps 1-4 of the policy pipeline and returns the decision
// that was reached along with the fingerprint to remember on AllowSession.
// It is exported separately from CallTool so the scheduler can emit the
// ApprovalRequest/ToolCall events in the right order around it.
func (w *wrapped) Decide(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (toolset.Decision, Fingerprint, error) {
	fp := fingerprint(toolName)

	// Step 0 (Open Question 3): pre-approved dynamically-created agents.
	if w.cfg.PreApproved != nil && w.cfg.PreApproved(toolName, args) {
		return toolset.Allow, fp, nil
	}

	// Step 1: session cache hit.
	if w.cfg.Cache != nil && w.cfg.Cache.has(fp) {
		return toolset.AllowSession, fp, nil
	}

	// Step 2: no callback, or approve_all.
	if w.cfg.Callback == nil || w.cfg.Policy == PolicyApproveAll {
		return toolset.Allow, fp, nil
	}

	// Step 3: reject_all.
	if w.cfg.Policy == PolicyRejectAll {
		return toolset.Deny, fp, nil
	}

	// Step 4: consult the toolset, then the human callback.
	needs, err := w.inner.NeedsApproval(ctx, toolName, args, run)
	if err != nil {
		return toolset.Deny, fp, err
	}
	if !needs {
		return toolset.Allow, fp, nil
	}

	description, err := w.inner.DescribeApproval(ctx, toolName, args, run)
	if err != nil {
		return toolset.Deny, fp, err
	}
	capabilities := w.inner.GetCapabilities(toolName, args)

	decision, err := w.cfg.Callback(ctx, toolName, args, description, capabilities)
	if err != nil {
		return toolset.Deny, fp, err
	}
	return decision, fp, nil
}

// CallTool runs the full pipeline then, if allowed, the wrapped call.
func (w *wrapped) CallTool(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext, handle toolset.Handle) (map[string]any, error) {
	decision, fp, err := w.Decide(ctx, toolName, args, run)
	if err != nil {
		return nil, err
	}

	switch decision {
	case toolset.AllowSession:
		// Step 5: cache keyed by fingerprint; denials are never cached.
		if w.cfg.Cache != nil {
			w.cfg.Cache.remember(fp)
		}
	case toolset.Deny:
		description, _ := w.inner.DescribeApproval(ctx, toolName, args, run)
		if w.cfg.ReturnPermissionErrors {
			return map[string]any{
				"error":       "permission_denied",
				"tool":        toolName,
				"description": description,
			}, nil
		}
		return nil, rterrors.NewPermissionDeniedError(toolName, description)
	case toolset.Allow:
		// proceed
	}

	return w.inner.CallTool(ctx, toolName, args, run, handle)
}

var _ toolset.Capability = (*wrapped)(nil)
