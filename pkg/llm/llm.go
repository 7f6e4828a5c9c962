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

// Package llm defines the provider-facing LLM interface the runtime's
// model adapter bridges to agentrunner.Model: one GenerateContent method
// that always returns iter.Seq2[*Response, error], with Partial
// distinguishing streaming deltas from the final aggregated Response.
package llm

import (
	"context"
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
)

// LLM is the interface every provider client (openai, anthropic, gemini,
// ollama) implements.
type LLM interface {
	// Name returns the model identifier.
	Name() string

	// Provider returns the provider type, used for model-specific message
	// formatting and content processing.
	Provider() Provider

	// GenerateContent produces responses for req.
	//
	// When stream=false, yields exactly one Response with Partial=false.
	// When stream=true, yields partial Responses (Partial=true) followed
	// by one final aggregated Response (Partial=false).
	GenerateContent(ctx context.Context, req *Request, stream bool) iter.Seq2[*Response, error]

	// Close releases any resources held by the LLM.
	Close() error
}

// Provider identifies the LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// Definition describes a tool the model may call, surfaced to the
// provider's function-calling API.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Request contains the input for an LLM call.
type Request struct {
	// Messages is the conversation history.
	Messages []*a2a.Message

	// Tools available for the model to call.
	Tools []Definition

	// Config contains generation configuration.
	Config *GenerateConfig

	// SystemInstruction is prepended to the conversation.
	SystemInstruction string
}

// GenerateConfig contains configuration for generation.
type GenerateConfig struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	TopK        *int

	StopSequences []string

	ResponseMIMEType     string
	ResponseSchema       map[string]any
	ResponseSchemaName   string
	ResponseSchemaStrict *bool

	EnableThinking bool
	ThinkingBudget int

	Metadata map[string]string
}

// Clone creates a deep copy of the GenerateConfig, so processor pipelines
// don't share state between requests.
func (c *GenerateConfig) Clone() *GenerateConfig {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Temperature != nil {
		temp := *c.Temperature
		clone.Temperature = &temp
	}
	if c.MaxTokens != nil {
		maxTok := *c.MaxTokens
		clone.MaxTokens = &maxTok
	}
	if c.TopP != nil {
		topP := *c.TopP
		clone.TopP = &topP
	}
	if c.TopK != nil {
		topK := *c.TopK
		clone.TopK = &topK
	}
	if c.StopSequences != nil {
		clone.StopSequences = append([]string(nil), c.StopSequences...)
	}
	if c.ResponseSchema != nil {
		clone.ResponseSchema = deepCopyMap(c.ResponseSchema)
	}
	if c.ResponseSchemaStrict != nil {
		strict := *c.ResponseSchemaStrict
		clone.ResponseSchemaStrict = &strict
	}
	if c.Metadata != nil {
		clone.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			result[k] = deepCopyMap(val)
		case []any:
			result[k] = deepCopySlice(val)
		default:
			result[k] = v
		}
	}
	return result
}

func deepCopySlice(s []any) []any {
	if s == nil {
		return nil
	}
	result := make([]any, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case map[string]any:
			result[i] = deepCopyMap(val)
		case []any:
			result[i] = deepCopySlice(val)
		default:
			result[i] = v
		}
	}
	return result
}

// Response contains the result of an LLM call.
type Response struct {
	Content *Content

	// Partial distinguishes a streaming delta (true) from the final
	// aggregated response (false).
	Partial bool

	TurnComplete bool

	ToolCalls []ToolCall

	Usage *Usage

	Thinking *ThinkingBlock

	FinishReason FinishReason

	ErrorCode    string
	ErrorMessage string
}

// Content represents the content of a response.
type Content struct {
	Parts []a2a.Part
	Role  a2a.MessageRole
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ThinkingTokens   int
}

// ThinkingBlock contains the model's reasoning.
type ThinkingBlock struct {
	ID        string
	Content   string
	Signature string
}

// FinishReason indicates why generation stopped.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonLength    FinishReason = "length"
	FinishReasonToolCalls FinishReason = "tool_calls"
	FinishReasonContent   FinishReason = "content_filter"
	FinishReasonError     FinishReason = "error"
)

// TextContent extracts the text parts from a response.
func (r *Response) TextContent() string {
	if r == nil || r.Content == nil {
		return ""
	}
	var text string
	for _, part := range r.Content.Parts {
		if tp, ok := part.(a2a.TextPart); ok {
			text += tp.Text
		}
	}
	return text
}

// HasToolCalls returns whether the response contains tool calls.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// ToMessage converts a Response to an a2a.Message.
func (r *Response) ToMessage() *a2a.Message {
	if r == nil || r.Content == nil {
		return nil
	}
	return a2a.NewMessage(r.Content.Role, r.Content.Parts...)
}
