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

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zby/agentrt/pkg/scheduler"
)

func writeManifestFixture(t *testing.T, dir string, manifestYAML string, agentFiles map[string]string) string {
	t.Helper()
	for name, body := range agentFiles {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	manifestPath := filepath.Join(dir, "manifest.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifestYAML), 0o644))
	return manifestPath
}

func TestNew_BuildsCatalogFromAgentFiles(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeManifestFixture(t, dir, `
agent_files:
  - researcher.md
  - writer.md
`, map[string]string{
		"researcher.md": "---\nname: researcher\nmodel: gpt-4o-mini\ntoolsets: [filesystem]\n---\nResearch the topic.\n",
		"writer.md":     "---\nname: writer\nmodel: gpt-4o-mini\n---\nWrite the report.\n",
	})

	rt, err := New(manifestPath)
	require.NoError(t, err)

	_, ok := rt.Catalog().Agent("researcher")
	require.True(t, ok)
	_, ok = rt.Catalog().Agent("writer")
	require.True(t, ok)

	// Every agent is also exposed as a single-tool toolset (spec §4.3
	// agent-as-tool wrapping).
	_, ok = rt.Catalog().Toolset("agent/researcher")
	require.True(t, ok)
	_, ok = rt.Catalog().Toolset("agent/writer")
	require.True(t, ok)

	// Built-ins are present alongside the declared agents.
	_, ok = rt.Catalog().Toolset("filesystem")
	require.True(t, ok)
	_, ok = rt.Catalog().Toolset("shell")
	require.True(t, ok)
	_, ok = rt.Catalog().Toolset("dynamic_agent")
	require.True(t, ok)
}

func TestNew_DuplicateAgentNameFails(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeManifestFixture(t, dir, `
agent_files:
  - a.md
  - b.md
`, map[string]string{
		"a.md": "---\nname: dup\nmodel: gpt-4o-mini\n---\nA.\n",
		"b.md": "---\nname: dup\nmodel: gpt-4o-mini\n---\nB.\n",
	})

	_, err := New(manifestPath)
	require.Error(t, err)
}

func TestNew_AgentCannotShadowBuiltinToolsetName(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeManifestFixture(t, dir, `
agent_files:
  - shell.md
`, map[string]string{
		"shell.md": "---\nname: shell\nmodel: gpt-4o-mini\n---\nI want to be called shell.\n",
	})

	_, err := New(manifestPath)
	require.Error(t, err)
}

func TestNew_FunctionEntryResolvesThroughWithCallable(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeManifestFixture(t, dir, `
agent_files:
  - helper.md
entry:
  name: main
  callable: tools:run
`, map[string]string{
		"helper.md": "---\nname: helper\nmodel: gpt-4o-mini\n---\nHelp.\n",
	})

	called := false
	fn := scheduler.FunctionCallable(func(ctx context.Context, w scheduler.WorkerRuntime) (string, error) {
		called = true
		return "done", nil
	})

	rt, err := New(manifestPath, WithCallable("tools:run", fn))
	require.NoError(t, err)

	_, ok := rt.Catalog().Entry("main")
	require.True(t, ok)

	out, _, err := rt.RunEntry(context.Background(), "main", "go", nil)
	require.NoError(t, err)
	require.Equal(t, "done", out)
	require.True(t, called)
}

func TestNew_UnknownEntryNameErrors(t *testing.T) {
	dir := t.TempDir()
	manifestPath := writeManifestFixture(t, dir, `
agent_files:
  - helper.md
`, map[string]string{
		"helper.md": "---\nname: helper\nmodel: gpt-4o-mini\n---\nHelp.\n",
	})

	rt, err := New(manifestPath)
	require.NoError(t, err)

	_, _, err = rt.RunEntry(context.Background(), "does-not-exist", "go", nil)
	require.Error(t, err)
}
