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

// Package filesystem implements the built-in Filesystem toolset (spec
// §4.4): read_file, write_file, glob, rooted at a configured base_path.
//
// Path confinement is grounded on pkg/tool/filetool/write_file.go's
// validateWritePath: filepath.Clean + strings.Contains for ".." rejection,
// filepath.Abs + strings.HasPrefix for the base-path boundary check. Unlike
// that teacher helper (which rejects every absolute path outright), spec
// §4.4 allows an absolute path when it resolves inside base_path, so the
// boundary check alone does the confinement work here.
package filesystem

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zby/agentrt/pkg/toolset"
)

// Config parameterizes one Filesystem toolset instance.
type Config struct {
	BasePath string
	ReadOnly bool // disables write_file (spec §4.4 "read-only variant")
}

const (
	toolRead  = "read_file"
	toolWrite = "write_file"
	toolGlob  = "glob"
)

type fsToolset struct {
	cfg Config
}

// New returns the Filesystem toolset factory (spec §3 toolset.Factory: a
// per-call instance, never shared across concurrent runs).
func New(cfg Config) toolset.Factory {
	return func(run toolset.RunContext) (toolset.Capability, error) {
		return &fsToolset{cfg: cfg}, nil
	}
}

func (f *fsToolset) Name() string { return "filesystem" }

func (f *fsToolset) GetTools(ctx context.Context, run toolset.RunContext) (map[string]toolset.Handle, error) {
	tools := map[string]toolset.Handle{
		toolRead: {Name: toolRead, Description: "Read a file's contents, optionally capped at max_chars.", Schema: readSchema()},
		toolGlob: {Name: toolGlob, Description: "List files matching a glob pattern rooted at the toolset's base path.", Schema: globSchema()},
	}
	if !f.cfg.ReadOnly {
		tools[toolWrite] = toolset.Handle{Name: toolWrite, Description: "Write content to a file, creating parent directories as needed.", Schema: writeSchema()}
	}
	return tools, nil
}

func (f *fsToolset) resolve(path string) (string, bool, error) {
	absBase, err := filepath.Abs(f.cfg.BasePath)
	if err != nil {
		return "", false, fmt.Errorf("invalid base_path: %w", err)
	}

	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return "", false, fmt.Errorf("directory traversal not allowed (..)")
	}

	var abs string
	if filepath.IsAbs(cleaned) {
		abs = cleaned
	} else {
		abs = filepath.Join(absBase, cleaned)
	}

	inside := abs == absBase || strings.HasPrefix(abs, absBase+string(filepath.Separator))
	return abs, inside, nil
}

// NeedsApproval implements spec §4.4's approval policy: writes always
// require approval; reads require approval only for paths outside
// base_path. This also answers spec §9 Open Question 2 ("require approval,
// not hard deny" — the source behavior, kept as-is).
func (f *fsToolset) NeedsApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (bool, error) {
	path, _ := args["path"].(string)

	switch toolName {
	case toolWrite:
		return true, nil
	case toolRead:
		_, inside, err := f.resolve(path)
		if err != nil {
			return true, nil // unresolved path: err on the side of asking
		}
		return !inside, nil
	case toolGlob:
		return false, nil
	default:
		return false, fmt.Errorf("unknown tool %q", toolName)
	}
}

func (f *fsToolset) DescribeApproval(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext) (string, error) {
	path, _ := args["path"].(string)
	switch toolName {
	case toolWrite:
		return fmt.Sprintf("Write to file %q", path), nil
	case toolRead:
		return fmt.Sprintf("Read file %q outside the confined directory", path), nil
	default:
		return fmt.Sprintf("%s(%v)", toolName, args), nil
	}
}

func (f *fsToolset) GetCapabilities(toolName string, args map[string]any) []string {
	switch toolName {
	case toolWrite:
		return []string{"filesystem:write"}
	case toolRead:
		return []string{"filesystem:read"}
	case toolGlob:
		return []string{"filesystem:list"}
	}
	return nil
}

func (f *fsToolset) CallTool(ctx context.Context, toolName string, args map[string]any, run toolset.RunContext, handle toolset.Handle) (map[string]any, error) {
	switch toolName {
	case toolRead:
		return f.readFile(args)
	case toolWrite:
		return f.writeFile(args)
	case toolGlob:
		return f.glob(args)
	default:
		return nil, fmt.Errorf("unknown tool %q", toolName)
	}
}

func (f *fsToolset) writeFile(args map[string]any) (map[string]any, error) {
	if f.cfg.ReadOnly {
		return nil, fmt.Errorf("write_file is disabled on a read-only filesystem toolset")
	}
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	abs, inside, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if !inside {
		return nil, fmt.Errorf("path %q escapes base_path %q", path, f.cfg.BasePath)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return map[string]any{"ok": true, "path": path, "bytes_written": len(content)}, nil
}

// readFile streams the file and caps output at max_chars without loading
// the whole file into memory when max_chars is small (spec §4.4 "must not
// load the entire file into memory before slicing when max_chars is
// small").
func (f *fsToolset) readFile(args map[string]any) (map[string]any, error) {
	path, _ := args["path"].(string)
	maxChars := 0
	switch v := args["max_chars"].(type) {
	case int:
		maxChars = v
	case float64:
		maxChars = int(v)
	}

	abs, inside, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	_ = inside // approval already gated this at the pipeline level

	file, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	totalSize := info.Size()

	if maxChars <= 0 {
		content, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return map[string]any{
			"content":     string(content),
			"path":        path,
			"truncated":   false,
			"total_chars": totalSize,
		}, nil
	}

	reader := bufio.NewReader(file)
	buf := make([]byte, maxChars)
	n, err := reader.Read(buf)
	if err != nil && err.Error() != "EOF" {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	truncated := int64(n) < totalSize
	return map[string]any{
		"content":     string(buf[:n]),
		"path":        path,
		"truncated":   truncated,
		"total_chars": totalSize,
	}, nil
}

func (f *fsToolset) glob(args map[string]any) (map[string]any, error) {
	pattern, _ := args["pattern"].(string)
	absBase, err := filepath.Abs(f.cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base_path: %w", err)
	}

	var matches []string
	err = filepath.WalkDir(absBase, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(absBase, p)
		if err != nil {
			return nil
		}
		ok, err := filepath.Match(pattern, rel)
		if err == nil && ok {
			matches = append(matches, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob failed: %w", err)
	}

	return map[string]any{"matches": matches, "count": len(matches)}, nil
}

func readSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      map[string]any{"type": "string", "description": "File path, relative to base_path unless it resolves inside it"},
			"max_chars": map[string]any{"type": "integer", "description": "Cap on returned character count; 0 or omitted means no cap"},
		},
		"required": []string{"path"},
	}
}

func writeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path to write, confined to base_path"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func globSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Glob pattern, matched relative to base_path"},
		},
		"required": []string{"pattern"},
	}
}

var _ toolset.Capability = (*fsToolset)(nil)
