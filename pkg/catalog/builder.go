package catalog

import (
	"fmt"
	"path"
	"strings"

	"github.com/zby/agentrt/pkg/registry"
	"github.com/zby/agentrt/pkg/rterrors"
	"github.com/zby/agentrt/pkg/toolset"
)

// Catalog is the immutable-after-build registry (spec §3 "Registry owns
// AgentSpec, FunctionEntry, ToolDef, ToolsetDef"). The three index maps are
// generic pkg/registry.BaseRegistry instances, exactly as
// agent/registry.go composes AgentRegistry atop registry.BaseRegistry in
// the wider tree.
type Catalog struct {
	agents   *registry.BaseRegistry[*AgentSpec]
	tools    *registry.BaseRegistry[*ToolDef]
	toolsets *registry.BaseRegistry[*ToolsetDef]
	entries  *registry.BaseRegistry[Entry]

	// genSeq counts agent_create calls across the process run, giving
	// generated agents a monotonic creation order (spec §4.4 dynamic-agent
	// "pre-approve calls to agents created earlier in this run").
	genSeq int

	agentToolFactory AgentToolFactoryFunc
}

func newCatalog() *Catalog {
	return &Catalog{
		agents:   registry.NewBaseRegistry[*AgentSpec](),
		tools:    registry.NewBaseRegistry[*ToolDef](),
		toolsets: registry.NewBaseRegistry[*ToolsetDef](),
		entries:  registry.NewBaseRegistry[Entry](),
	}
}

func (c *Catalog) Agent(name string) (*AgentSpec, bool)     { return c.agents.Get(name) }
func (c *Catalog) Tool(name string) (*ToolDef, bool)        { return c.tools.Get(name) }
func (c *Catalog) Toolset(name string) (*ToolsetDef, bool)  { return c.toolsets.Get(name) }
func (c *Catalog) Entry(name string) (Entry, bool)          { return c.entries.Get(name) }
func (c *Catalog) Agents() []*AgentSpec                     { return c.agents.List() }
func (c *Catalog) AgentNames() []string                     { return c.agents.Names() }
func (c *Catalog) ToolsetNames() []string                   { return c.toolsets.Names() }

// Source pairs a declared name with where it came from, for
// DuplicateName{name, sources[]} diagnostics (spec §4.3).
type Source struct {
	Category string // "agent" | "tool" | "toolset"
	Origin   string // agent file path, code file path, or "builtin"
}

// Builder runs the two-pass construction spec §4.3 describes: a
// collection pass over every declared agent/tool/toolset detecting name
// collisions across all three categories, then a resolution pass wiring
// each agent's toolset_refs to concrete toolset.Factory values (builtins,
// user-registered toolsets, or other agents promoted to agent-as-tool).
type Builder struct {
	cat *Catalog

	declaredAgents   map[string]*AgentSpec
	declaredFunc     map[string]*FunctionEntry
	declaredTools    map[string]toolset.Factory
	declaredToolsets map[string]toolset.Factory
	sources          map[string][]Source // name -> every source that declared it

	builtins map[string]toolset.Factory

	// agentToolFactory builds the agent-as-tool toolset.Factory for one
	// agent. It is supplied by the caller (pkg/runtime) rather than
	// implemented here, because invoking the wrapped agent requires the
	// scheduler, and catalog must not depend on scheduler (scheduler
	// depends on catalog). See pkg/toolset/agenttool.Dispatcher for the
	// late-bound wiring this enables.
	agentToolFactory AgentToolFactoryFunc

	// agentToolDescLimit bounds the agent-as-tool description length
	// (spec §4.4 "truncated to a configured length with an ellipsis
	// marker").
	agentToolDescLimit int
}

// AgentToolFactoryFunc builds the toolset.Factory that exposes one agent
// as a callable tool (spec §4.4 "Agent toolset").
type AgentToolFactoryFunc func(agentName, description string, inputSchema map[string]any) toolset.Factory

// NewEmpty returns an unpopulated Catalog. It exists so a toolset factory
// that needs to close over a stable *Catalog before the registry finishes
// resolving (the dynamic-agent toolset's agent_create/agent_call, which
// read and mutate the live catalog on every call) can hold that pointer
// before NewBuilder has anything to put in it; NewBuilder fills the same
// Catalog in place rather than allocating a second one.
func NewEmpty() *Catalog { return newCatalog() }

// NewBuilder starts a fresh two-pass build. cat is the Catalog to
// populate; pass nil to have one allocated (the common case —
// pre-allocating only matters when a builtin toolset factory needs the
// pointer before Build returns). builtins supplies the built-in toolset
// factories (filesystem, shell, dynamic-agent) keyed by name, plus any
// user-registered toolsets; agentToolFactory synthesizes the
// agent-as-tool wrapper factory the builder installs for every agent.
func NewBuilder(cat *Catalog, builtins map[string]toolset.Factory, agentToolFactory AgentToolFactoryFunc) *Builder {
	if cat == nil {
		cat = newCatalog()
	}
	return &Builder{
		cat:                cat,
		declaredAgents:     map[string]*AgentSpec{},
		declaredFunc:       map[string]*FunctionEntry{},
		declaredTools:      map[string]toolset.Factory{},
		declaredToolsets:   map[string]toolset.Factory{},
		sources:            map[string][]Source{},
		builtins:           builtins,
		agentToolFactory:   agentToolFactory,
		agentToolDescLimit: 240,
	}
}

func (b *Builder) record(name string, src Source) {
	b.sources[name] = append(b.sources[name], src)
}

// AddAgent declares an agent from the given origin (an agent file path,
// or "generated" for dynamic-agent.agent_create).
func (b *Builder) AddAgent(spec *AgentSpec, origin string) {
	b.declaredAgents[spec.Name] = spec
	b.record(spec.Name, Source{Category: "agent", Origin: origin})
}

// AddFunctionEntry declares a code-callable entry.
func (b *Builder) AddFunctionEntry(fn *FunctionEntry, origin string) {
	b.declaredFunc[fn.Name] = fn
	b.record(fn.Name, Source{Category: "agent", Origin: origin}) // entries share the agent namespace
}

// AddToolset declares a user-registered toolset factory.
func (b *Builder) AddToolset(name string, factory toolset.Factory, origin string) {
	b.declaredToolsets[name] = factory
	b.record(name, Source{Category: "toolset", Origin: origin})
}

// AddTool declares a standalone tool not owned by any toolset.
func (b *Builder) AddTool(name string, origin string) {
	b.declaredTools[name] = nil
	b.record(name, Source{Category: "tool", Origin: origin})
}

// Build runs the collection pass (duplicate detection) then the
// resolution pass (toolset_refs wiring, input_model_ref, compatible_models
// validation) and returns the finished Catalog.
func (b *Builder) Build() (*Catalog, error) {
	if err := b.collect(); err != nil {
		return nil, err
	}
	b.cat.agentToolFactory = b.agentToolFactory
	if err := b.resolve(); err != nil {
		return nil, err
	}
	return b.cat, nil
}

// collect is pass 1: detect duplicate names across all three categories
// (spec §4.3, §8 invariant 7). Builtin toolset names are seeded in as
// sources too, so a user agent/tool cannot shadow a built-in.
func (b *Builder) collect() error {
	for name := range b.builtins {
		b.record(name, Source{Category: "toolset", Origin: "builtin"})
	}

	var dups []error
	for name, srcs := range b.sources {
		if len(srcs) <= 1 {
			continue
		}
		origins := make([]string, 0, len(srcs))
		for _, s := range srcs {
			origins = append(origins, fmt.Sprintf("%s:%s", s.Category, s.Origin))
		}
		dups = append(dups, rterrors.NewDuplicateNameError(name, origins))
	}
	if len(dups) > 0 {
		msgs := make([]string, 0, len(dups))
		for _, e := range dups {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("registry build errors:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// resolve is pass 2: wire each agent's toolset_refs to concrete
// toolset.Factory values and register entries.
func (b *Builder) resolve() error {
	// Register raw toolset factories first (builtins + user-declared).
	for name, f := range b.builtins {
		if err := b.cat.toolsets.Register(name, &ToolsetDef{Name: name, Factory: f}); err != nil {
			return rterrors.NewConfigurationError("register_toolset", name, err)
		}
	}
	for name, f := range b.declaredToolsets {
		if err := b.cat.toolsets.Register(name, &ToolsetDef{Name: name, Factory: f}); err != nil {
			return rterrors.NewConfigurationError("register_toolset", name, err)
		}
	}

	// Register every agent spec (unresolved toolset_refs are validated
	// lazily at dispatch time against the toolset registry, plus eagerly
	// here for fast feedback).
	for name, spec := range b.declaredAgents {
		for _, ref := range spec.ToolsetRefs {
			if !b.refExists(ref) {
				return rterrors.NewConfigurationError("resolve_toolset_ref",
					fmt.Sprintf("agent %q references unknown toolset %q", name, ref), nil)
			}
		}
		for _, pattern := range spec.CompatibleModels {
			if strings.TrimSpace(pattern) == "" {
				return rterrors.NewConfigurationError("validate_compatible_models",
					fmt.Sprintf("agent %q has an empty compatible_models pattern", name), nil)
			}
		}
		if err := b.cat.agents.Register(name, spec); err != nil {
			return rterrors.NewConfigurationError("register_agent", name, err)
		}
		if err := b.cat.entries.Register(name, spec); err != nil {
			return rterrors.NewConfigurationError("register_entry", name, err)
		}

		// Agent-as-tool wrapping: every agent is also materialized as a
		// single-tool toolset named for the agent (spec §4.3).
		wrapperName := agentToolsetName(name)
		if _, exists := b.cat.toolsets.Get(wrapperName); !exists {
			desc := spec.Description
			if desc == "" {
				desc = truncate(spec.Instructions, b.agentToolDescLimit)
			}
			def := &ToolsetDef{Name: wrapperName, Factory: b.agentToolFactory(name, desc, spec.InputSchema)}
			if err := b.cat.toolsets.Register(wrapperName, def); err != nil {
				return rterrors.NewConfigurationError("register_agent_toolset", wrapperName, err)
			}
		}
	}

	for name, fn := range b.declaredFunc {
		for _, ref := range fn.ToolsetRefs {
			if !b.refExists(ref) {
				return rterrors.NewConfigurationError("resolve_toolset_ref",
					fmt.Sprintf("entry %q references unknown toolset %q", name, ref), nil)
			}
		}
		if err := b.cat.entries.Register(name, fn); err != nil {
			return rterrors.NewConfigurationError("register_entry", name, err)
		}
	}

	return nil
}

func (b *Builder) refExists(name string) bool {
	if _, ok := b.builtins[name]; ok {
		return true
	}
	if _, ok := b.declaredToolsets[name]; ok {
		return true
	}
	if _, ok := b.declaredAgents[name]; ok {
		return true // agent-as-tool wrapping makes every agent name a valid toolset ref
	}
	return false
}

func agentToolsetName(agentName string) string { return path.Join("agent", agentName) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// AddGeneratedAgent implements dynamic-agent's agent_create (spec §4.4):
// it fails with DuplicateName if the name already exists anywhere in the
// live catalog, otherwise registers the new agent and its agent-as-tool
// wrapper, advancing the generation sequence (spec §8 invariant 1: the
// registry's maps may only grow via this path, never be overwritten).
func (c *Catalog) AddGeneratedAgent(spec *AgentSpec) error {
	if _, exists := c.agents.Get(spec.Name); exists {
		return rterrors.NewDuplicateNameError(spec.Name, []string{"agent:existing"})
	}
	if _, exists := c.toolsets.Get(agentToolsetName(spec.Name)); exists {
		return rterrors.NewDuplicateNameError(spec.Name, []string{"toolset:existing"})
	}

	c.genSeq++
	spec.generatedAt = c.genSeq

	if err := c.agents.Register(spec.Name, spec); err != nil {
		return rterrors.NewConfigurationError("register_agent", spec.Name, err)
	}
	if err := c.entries.Register(spec.Name, spec); err != nil {
		return rterrors.NewConfigurationError("register_entry", spec.Name, err)
	}
	wrapperName := agentToolsetName(spec.Name)
	def := &ToolsetDef{Name: wrapperName, Factory: c.agentToolFactory(spec.Name, spec.Description, spec.InputSchema)}
	if err := c.toolsets.Register(wrapperName, def); err != nil {
		return rterrors.NewConfigurationError("register_agent_toolset", wrapperName, err)
	}
	return nil
}
