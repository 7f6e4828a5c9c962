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

// Package llmconfig configures the LLM provider a model name resolves
// to: which of the four provider clients to build, and with what
// credentials and generation defaults.
package llmconfig

import (
	"fmt"
	"os"
)

// Provider identifies an LLM provider type.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderOllama    Provider = "ollama"
)

// LLMConfig configures one provider client.
type LLMConfig struct {
	Provider Provider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=LLM provider,enum=anthropic,enum=openai,enum=gemini,enum=ollama,default=anthropic"`

	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty" jsonschema:"title=Base URL,description=Custom base URL for API endpoint"`

	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=4096"`

	Thinking *ThinkingConfig `yaml:"thinking,omitempty" json:"thinking,omitempty" jsonschema:"title=Thinking Configuration,description=Extended thinking configuration (Claude)"`
}

// ThinkingConfig configures extended thinking (Claude, and OpenAI's
// o-series reasoning).
type ThinkingConfig struct {
	Enabled      *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"title=Enabled,description=Enable extended thinking,default=true"`
	BudgetTokens int   `yaml:"budget_tokens,omitempty" json:"budget_tokens,omitempty" jsonschema:"title=Budget Tokens,description=Token budget for thinking,minimum=1,default=1024"`
}

// SetDefaults fills in a provider (auto-detected from environment when
// unset), a default model per provider, an API key from the environment,
// and generation defaults.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Provider {
		case ProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case ProviderOpenAI:
			c.Model = "gpt-4o"
		case ProviderGemini:
			c.Model = "gemini-2.0-flash"
		case ProviderOllama:
			c.Model = "llama3.2"
		}
	}

	if c.APIKey == "" {
		c.APIKey = apiKeyFromEnv(c.Provider)
	}

	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}

	if c.Thinking != nil {
		if c.Thinking.Enabled == nil {
			enabled := true
			c.Thinking.Enabled = &enabled
		}
		if c.Thinking.BudgetTokens == 0 {
			c.Thinking.BudgetTokens = 1024
		}
	}
}

// Validate checks the LLM configuration for structural errors.
func (c *LLMConfig) Validate() error {
	validProviders := map[Provider]bool{
		ProviderAnthropic: true,
		ProviderOpenAI:    true,
		ProviderGemini:    true,
		ProviderOllama:    true,
	}
	if c.Provider != "" && !validProviders[c.Provider] {
		return fmt.Errorf("invalid provider %q (valid: anthropic, openai, gemini, ollama)", c.Provider)
	}
	if c.Provider != ProviderOllama && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

func detectProviderFromEnv() Provider {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return ProviderAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return ProviderGemini
	}
	return ProviderAnthropic
}

func apiKeyFromEnv(provider Provider) string {
	switch provider {
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	case ProviderOllama:
		return ""
	default:
		return ""
	}
}
