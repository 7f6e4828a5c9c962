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

package llm

import (
	"iter"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/google/uuid"
)

// StreamingAggregator accumulates partial streaming responses into the
// final aggregated Response a session persists.
//
// Usage:
//
//	agg := NewStreamingAggregator()
//	for partial := range agg.ProcessTextDelta(delta) {
//	    yield(partial, nil)
//	}
//	if final := agg.Close(); final != nil {
//	    yield(final, nil)
//	}
type StreamingAggregator struct {
	text         string
	thinkingText string
	role         a2a.MessageRole
	toolCalls    []ToolCall
	usage        *Usage
	finishReason FinishReason

	thinkingID        string
	thinkingSignature string
}

// NewStreamingAggregator creates a new streaming aggregator.
func NewStreamingAggregator() *StreamingAggregator {
	return &StreamingAggregator{role: a2a.MessageRoleAgent}
}

// ProcessTextDelta accumulates a text delta and yields a partial response
// for real-time display.
func (s *StreamingAggregator) ProcessTextDelta(text string) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if text == "" {
			return
		}
		s.text += text
		yield(&Response{
			Content: &Content{
				Parts: []a2a.Part{a2a.TextPart{Text: text}},
				Role:  s.role,
			},
			Partial: true,
		}, nil)
	}
}

// ProcessThinkingDelta accumulates a reasoning delta and yields a partial
// response carrying the thinking metadata.
func (s *StreamingAggregator) ProcessThinkingDelta(thinking string) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		if thinking == "" {
			return
		}
		if s.thinkingID == "" {
			s.thinkingID = "thinking_" + uuid.NewString()[:8]
		}
		s.thinkingText += thinking
		yield(&Response{
			Content: &Content{
				Parts: []a2a.Part{},
				Role:  s.role,
			},
			Partial: true,
			Thinking: &ThinkingBlock{
				ID:      s.thinkingID,
				Content: thinking,
			},
		}, nil)
	}
}

// ProcessThinkingComplete records a non-streamed thinking block and its
// verification signature.
func (s *StreamingAggregator) ProcessThinkingComplete(content, signature string) {
	if s.thinkingID == "" {
		s.thinkingID = "thinking_" + uuid.NewString()[:8]
	}
	s.thinkingText = content
	s.thinkingSignature = signature
}

// ThinkingText returns the accumulated thinking text.
func (s *StreamingAggregator) ThinkingText() string {
	return s.thinkingText
}

// ProcessToolCall accumulates a complete tool call and yields a partial
// response carrying it.
func (s *StreamingAggregator) ProcessToolCall(tc ToolCall) iter.Seq2[*Response, error] {
	return func(yield func(*Response, error) bool) {
		s.toolCalls = append(s.toolCalls, tc)
		yield(&Response{
			Content: &Content{
				Parts: []a2a.Part{a2a.DataPart{Data: map[string]any{
					"type":      "tool_use",
					"id":        tc.ID,
					"name":      tc.Name,
					"arguments": tc.Args,
				}}},
				Role: s.role,
			},
			Partial:   true,
			ToolCalls: []ToolCall{tc},
		}, nil)
	}
}

// SetUsage records usage statistics, typically seen on a stream's done event.
func (s *StreamingAggregator) SetUsage(usage *Usage) { s.usage = usage }

// SetFinishReason records why generation stopped.
func (s *StreamingAggregator) SetFinishReason(reason FinishReason) { s.finishReason = reason }

// Close produces the final aggregated response (Partial=false), suitable
// for persistence, and resets the aggregator's accumulated state.
func (s *StreamingAggregator) Close() *Response {
	if s.text == "" && s.thinkingText == "" && len(s.toolCalls) == 0 {
		return nil
	}

	var parts []a2a.Part
	if s.text != "" {
		parts = append(parts, a2a.TextPart{Text: s.text})
	}

	resp := &Response{
		Content: &Content{
			Parts: parts,
			Role:  s.role,
		},
		Partial:      false,
		TurnComplete: true,
		ToolCalls:    s.toolCalls,
		Usage:        s.usage,
		FinishReason: s.finishReason,
	}
	if s.thinkingText != "" {
		resp.Thinking = &ThinkingBlock{
			ID:        s.thinkingID,
			Content:   s.thinkingText,
			Signature: s.thinkingSignature,
		}
	}

	s.clear()
	return resp
}

func (s *StreamingAggregator) clear() {
	s.text = ""
	s.thinkingText = ""
	s.thinkingID = ""
	s.thinkingSignature = ""
	s.toolCalls = nil
	s.usage = nil
	s.finishReason = ""
}
