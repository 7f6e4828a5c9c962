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

// Package rtconfig defines RuntimeConfig (spec §3): the configuration
// shared, read-only, across every CallFrame in one run.
package rtconfig

import (
	"log/slog"

	"github.com/zby/agentrt/pkg/catalog"
	"github.com/zby/agentrt/pkg/rtevent"
	"github.com/zby/agentrt/pkg/toolset"
)

// DefaultMaxDepth matches spec §3's stated default.
const DefaultMaxDepth = 5

// RuntimeConfig is shared and immutable for the lifetime of one Runtime
// (spec §3 "shared, immutable per-run").
type RuntimeConfig struct {
	CLIModel               string
	MaxDepth               int
	ApprovalCallback       toolset.Callback
	OnEvent                rtevent.Sink
	Verbosity              slog.Level
	ReturnPermissionErrors bool
	Catalog                *catalog.Catalog
}

// New returns a RuntimeConfig with spec defaults applied for any zero
// field a caller left unset.
func New(cat *catalog.Catalog) *RuntimeConfig {
	return &RuntimeConfig{
		MaxDepth: DefaultMaxDepth,
		Catalog:  cat,
	}
}

// Emit publishes an event through OnEvent if one is configured (spec
// §4.7 "single async sink"); a nil OnEvent silently drops events rather
// than failing the run.
func (c *RuntimeConfig) Emit(ev rtevent.Event) {
	if c.OnEvent != nil {
		c.OnEvent(ev)
	}
}
