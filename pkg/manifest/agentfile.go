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

// Package manifest also parses individual agent files (spec §4.2): a
// leading `---`-delimited YAML frontmatter block followed by a free-text
// body used as the agent's instructions. Decoding the frontmatter reuses
// gopkg.in/yaml.v3 the way every other YAML-shaped document in this
// codebase is decoded; unknown-key detection uses yaml.v3's KnownFields
// option rather than hand-rolled field diffing.
package manifest

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentDefinition is the parsed result of one agent file (spec §4.2
// "Yields AgentDefinition").
type AgentDefinition struct {
	Name             string
	Description      string
	Model            string
	Toolsets         []string
	InputModelRef    string
	CompatibleModels []string
	ServerSideTools  []map[string]any
	Instructions     string
}

// MalformedAgentFileError reports a missing name, an undocumented key, or
// a malformed list type (spec §4.2 "MalformedAgentFile{reason}").
type MalformedAgentFileError struct {
	Reason string
}

func (e *MalformedAgentFileError) Error() string {
	return fmt.Sprintf("malformed agent file: %s", e.Reason)
}

type agentFrontmatter struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Model            string           `yaml:"model"`
	Toolsets         []string         `yaml:"toolsets"`
	InputModelRef    string           `yaml:"input_model_ref"`
	CompatibleModels []string         `yaml:"compatible_models"`
	ServerSideTools  []map[string]any `yaml:"server_side_tools"`
}

const frontmatterDelim = "---"

// ParseAgentFile splits raw into its frontmatter block and instructions
// body, decodes the frontmatter strictly (unknown keys fail, per spec
// §4.2), and validates the one required key.
func ParseAgentFile(raw string) (*AgentDefinition, error) {
	frontmatter, body, err := splitFrontmatter(raw)
	if err != nil {
		return nil, err
	}

	var fm agentFrontmatter
	dec := yaml.NewDecoder(strings.NewReader(frontmatter))
	dec.KnownFields(true)
	if err := dec.Decode(&fm); err != nil {
		return nil, &MalformedAgentFileError{Reason: fmt.Sprintf("frontmatter: %v", err)}
	}

	if fm.Name == "" {
		return nil, &MalformedAgentFileError{Reason: "missing required key: name"}
	}

	return &AgentDefinition{
		Name:             fm.Name,
		Description:      fm.Description,
		Model:            fm.Model,
		Toolsets:         fm.Toolsets,
		InputModelRef:    fm.InputModelRef,
		CompatibleModels: fm.CompatibleModels,
		ServerSideTools:  fm.ServerSideTools,
		Instructions:     strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter extracts the content between the first pair of `---`
// delimiter lines and everything after the closing delimiter.
func splitFrontmatter(raw string) (frontmatter, body string, err error) {
	lines := strings.Split(raw, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != frontmatterDelim {
		return "", "", &MalformedAgentFileError{Reason: "missing leading --- frontmatter delimiter"}
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelim {
			frontmatter = strings.Join(lines[1:i], "\n")
			body = strings.Join(lines[i+1:], "\n")
			return frontmatter, body, nil
		}
	}
	return "", "", &MalformedAgentFileError{Reason: "missing closing --- frontmatter delimiter"}
}
