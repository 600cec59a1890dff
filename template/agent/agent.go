//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package agent provides the LLM agent node template. An agent node wraps
// an OpenAI-compatible chat completion endpoint; every configuration field
// is swappable in place, so live updates never recreate the node.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/RazumRu/graphflow/template"
)

// TemplateName is the template id referenced by node schemas.
const TemplateName = "openai-agent"

const configSchema = `{
  "type": "object",
  "properties": {
    "model": {"type": "string", "minLength": 1},
    "systemPrompt": {"type": "string"},
    "apiKey": {"type": "string"},
    "baseUrl": {"type": "string"},
    "temperature": {"type": "number", "minimum": 0, "maximum": 2},
    "maxTokens": {"type": "integer", "minimum": 1}
  },
  "required": ["model"],
  "additionalProperties": false
}`

// Config is the validated agent node configuration.
type Config struct {
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	APIKey       string   `json:"apiKey,omitempty"`
	BaseURL      string   `json:"baseUrl,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    *int     `json:"maxTokens,omitempty"`
}

// Template implements template.Template for agent nodes.
type Template struct {
	schema *jsonschema.Schema
	opts   []openaiopt.RequestOption
}

// Option configures the agent template.
type Option func(*Template)

// WithClientOptions appends request options to every client the template
// builds. Tests use this to point agents at a stub server.
func WithClientOptions(opts ...openaiopt.RequestOption) Option {
	return func(t *Template) { t.opts = append(t.opts, opts...) }
}

// New builds the agent template.
func New(opts ...Option) *Template {
	t := &Template{schema: template.MustCompileSchema(TemplateName, configSchema)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements template.Template.
func (t *Template) Name() string { return TemplateName }

// Kind implements template.Template.
func (t *Template) Kind() template.Kind { return template.KindAgent }

// Connectivity implements template.Template. Agents accept any neighbours.
func (t *Template) Connectivity() template.Connectivity { return template.Connectivity{} }

// ValidateConfig implements template.Template.
func (t *Template) ValidateConfig(raw json.RawMessage) (any, error) {
	if err := template.ValidateJSON(t.schema, raw); err != nil {
		return nil, err
	}
	cfg, err := template.DecodeConfig[Config](raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Handle implements template.Template.
func (t *Template) Handle() template.Handle { return &handle{tpl: t} }

type handle struct{ tpl *Template }

// Create builds a live agent instance.
func (h *handle) Create(ctx context.Context, init template.Init) (any, error) {
	cfg, ok := init.Config.(Config)
	if !ok {
		return nil, fmt.Errorf("agent %s: unexpected config type %T", init.Identity.NodeID, init.Config)
	}
	a := &Agent{id: init.Identity}
	a.apply(cfg, h.tpl.opts)
	return a, nil
}

// Configure swaps the agent's model, prompt and client in place. Agent
// reconfiguration never requires a recreate.
func (h *handle) Configure(ctx context.Context, next template.Init, instance any) error {
	a, ok := instance.(*Agent)
	if !ok {
		return fmt.Errorf("agent %s: unexpected instance type %T", next.Identity.NodeID, instance)
	}
	cfg, ok := next.Config.(Config)
	if !ok {
		return fmt.Errorf("agent %s: unexpected config type %T", next.Identity.NodeID, next.Config)
	}
	a.apply(cfg, h.tpl.opts)
	return nil
}

// Destroy releases the agent. The client holds no connection state.
func (h *handle) Destroy(ctx context.Context, instance any) error { return nil }

// Agent is a live agent node instance.
type Agent struct {
	id template.Identity

	mu     sync.RWMutex
	cfg    Config
	client openai.Client
}

func (a *Agent) apply(cfg Config, base []openaiopt.RequestOption) {
	opts := make([]openaiopt.RequestOption, 0, len(base)+2)
	opts = append(opts, base...)
	if cfg.APIKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(cfg.BaseURL))
	}
	a.mu.Lock()
	a.cfg = cfg
	a.client = openai.NewClient(opts...)
	a.mu.Unlock()
}

// Config returns the agent's current configuration.
func (a *Agent) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Respond sends the conversation to the model and returns the reply text.
func (a *Agent) Respond(ctx context.Context, messages []template.Message) (string, error) {
	a.mu.RLock()
	cfg := a.cfg
	client := a.client
	a.mu.RUnlock()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(cfg.Model),
	}
	if cfg.SystemPrompt != "" {
		params.Messages = append(params.Messages, openai.SystemMessage(cfg.SystemPrompt))
	}
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}
	if cfg.Temperature != nil {
		params.Temperature = openai.Float(*cfg.Temperature)
	}
	if cfg.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*cfg.MaxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("agent %s: chat completion: %w", a.id.NodeID, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("agent %s: empty completion response", a.id.NodeID)
	}
	return resp.Choices[0].Message.Content, nil
}
