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
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/zby/agentrt/pkg/agentrunner"
	"github.com/zby/agentrt/pkg/callframe"
	"github.com/zby/agentrt/pkg/llm"
	"github.com/zby/agentrt/pkg/llmconfig"
	"github.com/zby/agentrt/pkg/model/anthropic"
	"github.com/zby/agentrt/pkg/model/gemini"
	"github.com/zby/agentrt/pkg/model/ollama"
	"github.com/zby/agentrt/pkg/model/openai"
	"github.com/zby/agentrt/pkg/toolset"
	"github.com/zby/agentrt/pkg/toolset/attachments"
)

// llmAdapter satisfies agentrunner.Model by driving a concrete llm.LLM
// provider (pkg/model/{openai,anthropic,gemini,ollama}) and translating
// between agentrunner's plain Request/Response and pkg/llm's
// a2a.Message-carrying Request/Response. Messages stay a2a.Message going
// into the provider SDKs because that is the format those SDKs' own
// request-builders already expect (see pkg/model/openai/openai.go et
// al.); only the boundary this adapter owns ever constructs one, so the
// "A2A transport is out of scope" decision (DESIGN.md) is preserved — no
// A2A server, client, or wire protocol is wired in, just the in-memory
// message envelope the provider packages are already built around.
type llmAdapter struct {
	llm llm.LLM
}

func newLLMAdapter(m llm.LLM) agentrunner.Model {
	return &llmAdapter{llm: m}
}

func (a *llmAdapter) Name() string { return a.llm.Name() }

func (a *llmAdapter) GenerateContent(ctx context.Context, req *agentrunner.Request) iter.Seq2[*agentrunner.Response, error] {
	return func(yield func(*agentrunner.Response, error) bool) {
		messages, err := toA2AMessages(req.Messages)
		if err != nil {
			yield(nil, err)
			return
		}

		llmReq := &llm.Request{
			Messages:          messages,
			Tools:             toToolDefinitions(req.Tools),
			SystemInstruction: req.SystemInstruction,
		}

		for resp, genErr := range a.llm.GenerateContent(ctx, llmReq, true) {
			if genErr != nil {
				if !yield(nil, genErr) {
					return
				}
				continue
			}
			out := &agentrunner.Response{
				TextDelta:    resp.TextContent(),
				Partial:      resp.Partial,
				ToolCalls:    toAgentRunnerToolCalls(resp.ToolCalls),
				TurnComplete: resp.TurnComplete,
			}
			if resp.ErrorMessage != "" {
				if !yield(nil, fmt.Errorf("%s: %s", resp.ErrorCode, resp.ErrorMessage)) {
					return
				}
				continue
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

// toA2AMessages converts the opaque callframe.Message values agentrunner
// assembled (plain prompt/history strings, attachments.Part values, and
// map[string]any tool results) into the a2a.Message envelope pkg/llm's
// providers expect.
func toA2AMessages(msgs []callframe.Message) ([]*a2a.Message, error) {
	out := make([]*a2a.Message, 0, len(msgs))
	for _, m := range msgs {
		switch v := any(m).(type) {
		case string:
			out = append(out, a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: v}))
		case map[string]any:
			out = append(out, a2a.NewMessage(a2a.MessageRoleUser, a2a.DataPart{Data: v}))
		case attachments.Part:
			if v.Kind == attachments.KindText {
				out = append(out, a2a.NewMessage(a2a.MessageRoleUser, a2a.TextPart{Text: string(v.Data)}))
				continue
			}
			out = append(out, a2a.NewMessage(a2a.MessageRoleUser, a2a.FilePart{
				File: a2a.FileBytes{MimeType: v.MimeType, Bytes: v.Data},
			}))
		default:
			return nil, fmt.Errorf("agentrunner: message of type %T has no a2a.Part mapping", m)
		}
	}
	return out, nil
}

func toToolDefinitions(handles []toolset.Handle) []llm.Definition {
	defs := make([]llm.Definition, 0, len(handles))
	for _, h := range handles {
		defs = append(defs, llm.Definition{
			Name:        h.Name,
			Description: h.Description,
			Parameters:  h.Schema,
		})
	}
	return defs
}

func toAgentRunnerToolCalls(calls []llm.ToolCall) []agentrunner.ToolCall {
	out := make([]agentrunner.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, agentrunner.ToolCall{Tool: tc.Name, Args: tc.Args, CallID: tc.ID})
	}
	return out
}

// ModelResolver is the default agentrunner-facing ModelResolver: it builds
// an llm.LLM per distinct model name the first time that name is
// requested (one provider client per model, reused thereafter), using
// per-model llmconfig.LLMConfig entries supplied via WithModelConfig,
// falling back to llmconfig.LLMConfig's own provider auto-detection
// (SetDefaults -> detectProviderFromEnv) for any model name with no
// explicit entry.
//
// Grounded on pkg/builder/llm.go's LLMBuilder.Build switch (provider type
// -> provider Config struct -> provider.New), inlined here directly
// against the four provider packages instead of going through
// pkg/builder, since that package's own transitive graph (agent, rag,
// memory, session, vector, ...) has nothing to do with model resolution.
type ModelResolver struct {
	mu      sync.Mutex
	configs map[string]*llmconfig.LLMConfig
	cache   map[string]agentrunner.Model
}

// NewModelResolver returns a ModelResolver seeded with per-model-name
// configuration. configs may be nil or partial; any model name resolved
// without a matching entry gets a bare llmconfig.LLMConfig{Model: name}.
func NewModelResolver(configs map[string]*llmconfig.LLMConfig) *ModelResolver {
	return &ModelResolver{configs: configs, cache: map[string]agentrunner.Model{}}
}

func (r *ModelResolver) Resolve(modelName string) (agentrunner.Model, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.cache[modelName]; ok {
		return m, nil
	}

	cfg, ok := r.configs[modelName]
	if !ok {
		cfg = &llmconfig.LLMConfig{Model: modelName}
	}
	cfg.SetDefaults()

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("build model %q (provider %s): %w", modelName, cfg.Provider, err)
	}

	adapted := newLLMAdapter(provider)
	r.cache[modelName] = adapted
	return adapted, nil
}

const defaultLLMTimeout = 120 * time.Second

func buildProvider(cfg *llmconfig.LLMConfig) (llm.LLM, error) {
	switch cfg.Provider {
	case llmconfig.ProviderOpenAI:
		oc := openai.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			BaseURL:     cfg.BaseURL,
			Timeout:     defaultLLMTimeout,
			MaxRetries:  3,
		}
		if cfg.Thinking != nil && cfg.Thinking.Enabled != nil && *cfg.Thinking.Enabled {
			oc.EnableReasoning = true
			oc.ReasoningBudget = cfg.Thinking.BudgetTokens
		}
		return openai.New(oc)

	case llmconfig.ProviderAnthropic:
		ac := anthropic.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			BaseURL:     cfg.BaseURL,
			Timeout:     defaultLLMTimeout,
			MaxRetries:  3,
		}
		if cfg.Thinking != nil && cfg.Thinking.Enabled != nil && *cfg.Thinking.Enabled {
			ac.EnableThinking = true
			ac.ThinkingBudget = cfg.Thinking.BudgetTokens
		}
		return anthropic.New(ac)

	case llmconfig.ProviderGemini:
		var temp float64
		if cfg.Temperature != nil {
			temp = *cfg.Temperature
		}
		return gemini.New(gemini.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: temp,
		})

	case llmconfig.ProviderOllama:
		oc := ollama.Config{
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			Temperature: cfg.Temperature,
		}
		if cfg.MaxTokens > 0 {
			maxTok := cfg.MaxTokens
			oc.NumPredict = &maxTok
		}
		return ollama.New(oc)

	default:
		return nil, fmt.Errorf("unknown provider %q (supported: openai, anthropic, gemini, ollama)", cfg.Provider)
	}
}
