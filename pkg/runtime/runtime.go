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

// Package runtime assembles one process-run Runtime: it loads a manifest,
// parses every agent file it names into the Catalog, wires the built-in
// toolsets and the agent-as-tool/dynamic-agent late-binding cycle, and
// exposes RunEntry as the one operation a caller drives.
//
// Grounded on this package's own teacher-era Runtime: the same
// functional-options Option func(*Runtime) pattern, narrowed from the
// teacher's LLM/embedder/toolset/session/index/observability/checkpoint
// surface down to what spec.md's Runtime actually owns — model
// configuration, the approval callback, the event sink, and the
// return_permission_errors policy override. max_depth comes from the
// manifest; no Option overrides it.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"github.com/zby/agentrt/pkg/callframe"
	"github.com/zby/agentrt/pkg/catalog"
	"github.com/zby/agentrt/pkg/manifest"
	"github.com/zby/agentrt/pkg/refresolver"
	"github.com/zby/agentrt/pkg/rtconfig"
	"github.com/zby/agentrt/pkg/rtevent"
	"github.com/zby/agentrt/pkg/scheduler"
	"github.com/zby/agentrt/pkg/toolset"
	"github.com/zby/agentrt/pkg/toolset/agenttool"
	"github.com/zby/agentrt/pkg/toolset/attachments"
	"github.com/zby/agentrt/pkg/toolset/dynamicagent"
	"github.com/zby/agentrt/pkg/toolset/filesystem"
	"github.com/zby/agentrt/pkg/toolset/shell"

	"github.com/zby/agentrt/pkg/llmconfig"
)

// Runtime is the assembled, ready-to-drive process-run object (spec §3
// "Runtime owns RuntimeConfig + Catalog for one process run").
type Runtime struct {
	cfg       *rtconfig.RuntimeConfig
	cat       *catalog.Catalog
	scheduler *scheduler.Scheduler
}

// Option configures a Runtime during New. Options are applied before the
// manifest and agent files are loaded; they only record settings, which
// New reads while it builds the Catalog and RuntimeConfig.
type Option func(*options)

type options struct {
	models             map[string]*llmconfig.LLMConfig
	approvalCallback   toolset.Callback
	onEvent            rtevent.Sink
	verbosity          slog.Level
	returnPermErrors   bool
	attachmentMaxBytes int64
	filesystemBasePath string
	filesystemReadOnly bool
	shellConfig        *shell.Config
	callables          map[string]any // module:symbol -> value, for refresolver.Register
}

// WithModelConfig registers the llmconfig.LLMConfig to use when an agent
// names this exact model string. A model name with no registered config
// falls back to llmconfig.LLMConfig{Model: name}.SetDefaults()'s
// environment-based auto-detection.
func WithModelConfig(modelName string, cfg llmconfig.LLMConfig) Option {
	return func(o *options) { o.models[modelName] = &cfg }
}

// WithApprovalCallback installs the human-in-the-loop approval callback
// (spec §4.4 "Approval wrapping"). With no callback installed, calls that
// require approval proceed without asking.
func WithApprovalCallback(cb toolset.Callback) Option {
	return func(o *options) { o.approvalCallback = cb }
}

// WithEventSink installs the single async RuntimeEvent sink (spec §4.7).
func WithEventSink(sink rtevent.Sink) Option {
	return func(o *options) { o.onEvent = sink }
}

// WithVerbosity records a slog.Level as RuntimeConfig.Verbosity. Event
// emission does not filter on it: every RuntimeEvent reaches the sink.
func WithVerbosity(level slog.Level) Option {
	return func(o *options) { o.verbosity = level }
}

// WithReturnPermissionErrors makes a denied approval surface as a returned
// error instead of a silent tool-result rejection (spec §4.4).
func WithReturnPermissionErrors(v bool) Option {
	return func(o *options) { o.returnPermErrors = v }
}

// WithFilesystemRoot configures the built-in Filesystem toolset's
// base_path confinement root. Defaults to the manifest's own directory.
func WithFilesystemRoot(basePath string, readOnly bool) Option {
	return func(o *options) {
		o.filesystemBasePath = basePath
		o.filesystemReadOnly = readOnly
	}
}

// WithShellConfig overrides the built-in Shell toolset's rule set.
// Defaults to VerdictRequireApproval for everything (spec §4.4 "a
// conservative default ruleset that classifies nothing as pre-approved").
func WithShellConfig(cfg shell.Config) Option {
	return func(o *options) { o.shellConfig = &cfg }
}

// WithAttachmentByteCap bounds how large a single attachment Resolve may
// fetch (spec §4.4). Zero keeps the attachments.Resolver default.
func WithAttachmentByteCap(maxBytes int64) Option {
	return func(o *options) { o.attachmentMaxBytes = maxBytes }
}

// WithCallable registers the Go value a code_files module:symbol
// reference resolves to, since Go has no runtime import-by-path the way
// the manifest's code_files field implies for a dynamic language; callers
// register every FunctionEntry target this way. New registers these values
// with the resolver it then uses for Manifest.Entry.Callable and for every
// agent's input_model_ref.
func WithCallable(ref string, value any) Option {
	return func(o *options) {
		if o.callables == nil {
			o.callables = map[string]any{}
		}
		o.callables[ref] = value
	}
}

// New loads manifestPath, parses every agent file it names, builds the
// Catalog (built-in toolsets plus one agent-as-tool wrapper per agent, per
// spec §4.3), and returns a Runtime ready for RunEntry.
func New(manifestPath string, opts ...Option) (*Runtime, error) {
	o := &options{
		models:    map[string]*llmconfig.LLMConfig{},
		verbosity: slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(o)
	}

	m, err := manifest.Load(manifestPath, "")
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	baseDir := filepath.Dir(manifestPath)

	defs := make([]*manifest.AgentDefinition, 0, len(m.AgentFiles))
	for _, rel := range m.AgentFiles {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		raw, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent file %q: %w", rel, err)
		}
		def, err := manifest.ParseAgentFile(raw)
		if err != nil {
			return nil, fmt.Errorf("parse agent file %q: %w", rel, err)
		}
		defs = append(defs, def)
	}

	resolver := refresolver.New(baseDir)
	for ref, value := range o.callables {
		modpath, symbol, err := splitCallableRef(ref)
		if err != nil {
			return nil, err
		}
		resolver.Register(modpath, symbol, value)
	}

	cat := catalog.NewEmpty()
	dispatcher := &agenttool.Dispatcher{}

	filesystemRoot := o.filesystemBasePath
	if filesystemRoot == "" {
		filesystemRoot = baseDir
	}
	shellCfg := shell.Config{DefaultVerdict: shell.VerdictRequireApproval}
	if o.shellConfig != nil {
		shellCfg = *o.shellConfig
	}
	attachmentCap := o.attachmentMaxBytes
	if attachmentCap == 0 {
		attachmentCap = 32 << 20
	}

	builtins := map[string]toolset.Factory{
		"filesystem":    filesystem.New(filesystem.Config{BasePath: filesystemRoot, ReadOnly: o.filesystemReadOnly}),
		"shell":         shell.New(shellCfg),
		"dynamic_agent": dynamicagent.New(dynamicagent.Config{Catalog: cat, Dispatcher: dispatcher}),
	}

	builder := catalog.NewBuilder(cat, builtins, func(agentName, description string, inputSchema map[string]any) toolset.Factory {
		return dispatcher.Factory(agentName, description, inputSchema)
	})

	for _, def := range defs {
		spec, err := agentSpecFromDefinition(def, resolver)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", def.Name, err)
		}
		builder.AddAgent(spec, def.Name)
	}

	if m.Entry != nil && m.Entry.Callable != "" {
		builder.AddFunctionEntry(&catalog.FunctionEntry{
			Name: m.Entry.Name,
			Ref:  m.Entry.Callable,
		}, "manifest-entry")
	}

	if _, err := builder.Build(); err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}

	cfg := rtconfig.New(cat)
	cfg.MaxDepth = m.MaxDepth
	cfg.ApprovalCallback = o.approvalCallback
	cfg.OnEvent = o.onEvent
	cfg.Verbosity = o.verbosity
	cfg.ReturnPermissionErrors = o.returnPermErrors

	models := NewModelResolver(o.models)
	attachmentResolver := newAttachmentAdapter(attachments.NewResolver(attachmentCap))

	sched := scheduler.New(cfg, models, resolver, attachmentResolver)
	dispatcher.Dispatch = sched.Dispatch

	return &Runtime{cfg: cfg, cat: cat, scheduler: sched}, nil
}

// RunEntry runs the named catalog entry (an agent or a FunctionEntry)
// against prompt, implementing spec §4.5's entry contract.
func (rt *Runtime) RunEntry(ctx context.Context, entryName, prompt string, history []callframe.Message) (string, *callframe.CallFrame, error) {
	entry, ok := rt.cat.Entry(entryName)
	if !ok {
		return "", nil, fmt.Errorf("unknown entry %q", entryName)
	}
	return rt.scheduler.RunEntry(ctx, entry, prompt, history)
}

// Catalog exposes the built registry for callers that need to inspect it
// (e.g. a CLI listing available agents).
func (rt *Runtime) Catalog() *catalog.Catalog { return rt.cat }

func agentSpecFromDefinition(def *manifest.AgentDefinition, resolver *refresolver.Resolver) (*catalog.AgentSpec, error) {
	schema, err := resolveInputSchema(def.InputModelRef, resolver)
	if err != nil {
		return nil, err
	}
	return &catalog.AgentSpec{
		Name:             def.Name,
		Instructions:     def.Instructions,
		Model:            def.Model,
		ToolsetRefs:      def.Toolsets,
		InputSchema:      schema,
		CompatibleModels: def.CompatibleModels,
		ServerSideTools:  def.ServerSideTools,
		Description:      def.Description,
	}, nil
}

// resolveInputSchema turns an input_model_ref (a module:symbol reference
// to a Go struct value, resolved the same way a FunctionEntry's Ref is)
// into a JSON Schema document, reflected via invopop/jsonschema the same
// way pkg/server/http.go reflects config.Config for its schema endpoint.
func resolveInputSchema(ref string, resolver *refresolver.Resolver) (map[string]any, error) {
	if ref == "" {
		return nil, nil
	}
	v, err := resolver.Resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("resolve input_model_ref %q: %w", ref, err)
	}
	reflector := &jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal input_model_ref %q schema: %w", ref, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal input_model_ref %q schema: %w", ref, err)
	}
	return out, nil
}

func splitCallableRef(ref string) (modpath, symbol string, err error) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == ':' {
			return ref[:i], ref[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("callable ref %q is missing a module:symbol separator", ref)
}
