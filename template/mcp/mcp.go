//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package mcp provides the MCP server session node template. An mcp node
// holds an initialized client session against an MCP server (streamable
// HTTP or stdio) and exposes its tools to neighbouring agents.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	mcp "trpc.group/trpc-go/trpc-mcp-go"

	"github.com/RazumRu/graphflow/template"
)

// TemplateName is the template id referenced by node schemas.
const TemplateName = "mcp-session"

const (
	// TransportStreamable is the streamable HTTP transport.
	TransportStreamable = "streamable"
	// TransportStdio launches the server as a subprocess.
	TransportStdio = "stdio"
)

const defaultTimeout = 30 * time.Second

const configSchema = `{
  "type": "object",
  "properties": {
    "transport": {"type": "string", "enum": ["streamable", "stdio"]},
    "serverUrl": {"type": "string"},
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "timeoutSeconds": {"type": "integer", "minimum": 1}
  },
  "required": ["transport"],
  "additionalProperties": false
}`

// Config is the validated mcp node configuration. Every field binds the
// session at creation; any change requires a recreate.
type Config struct {
	Transport      string            `json:"transport"`
	ServerURL      string            `json:"serverUrl,omitempty"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds *int              `json:"timeoutSeconds,omitempty"`
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds == nil {
		return defaultTimeout
	}
	return time.Duration(*c.TimeoutSeconds) * time.Second
}

func (c Config) equal(o Config) bool {
	a, _ := json.Marshal(c)
	b, _ := json.Marshal(o)
	return string(a) == string(b)
}

// Template implements template.Template for mcp nodes.
type Template struct {
	schema     *jsonschema.Schema
	clientInfo mcp.Implementation
}

// Option configures the mcp template.
type Option func(*Template)

// WithClientInfo overrides the client identity announced at initialize.
func WithClientInfo(info mcp.Implementation) Option {
	return func(t *Template) { t.clientInfo = info }
}

// New builds the mcp template.
func New(opts ...Option) *Template {
	t := &Template{
		schema:     template.MustCompileSchema(TemplateName, configSchema),
		clientInfo: mcp.Implementation{Name: "graphflow", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements template.Template.
func (t *Template) Name() string { return TemplateName }

// Kind implements template.Template.
func (t *Template) Kind() template.Kind { return template.KindMCP }

// Connectivity implements template.Template.
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
	switch cfg.Transport {
	case TransportStreamable:
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("streamable transport requires serverUrl")
		}
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires command")
		}
	}
	return cfg, nil
}

// Handle implements template.Template.
func (t *Template) Handle() template.Handle { return &handle{tpl: t} }

type handle struct{ tpl *Template }

// Create connects and initializes an MCP session.
func (h *handle) Create(ctx context.Context, init template.Init) (any, error) {
	cfg, ok := init.Config.(Config)
	if !ok {
		return nil, fmt.Errorf("mcp %s: unexpected config type %T", init.Identity.NodeID, init.Config)
	}

	client, err := h.connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", init.Identity.NodeID, err)
	}

	ictx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	if _, err := client.Initialize(ictx, &mcp.InitializeRequest{}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp %s: initialize session: %w", init.Identity.NodeID, err)
	}
	return &Session{client: client, cfg: cfg}, nil
}

func (h *handle) connect(cfg Config) (mcp.Connector, error) {
	switch cfg.Transport {
	case TransportStdio:
		return mcp.NewStdioClient(mcp.StdioTransportConfig{
			ServerParams: mcp.StdioServerParameters{
				Command: cfg.Command,
				Args:    cfg.Args,
			},
			Timeout: cfg.timeout(),
		}, h.tpl.clientInfo)
	case TransportStreamable:
		var opts []mcp.ClientOption
		if len(cfg.Headers) > 0 {
			headers := http.Header{}
			for k, v := range cfg.Headers {
				headers.Set(k, v)
			}
			opts = append(opts, mcp.WithHTTPHeaders(headers))
		}
		return mcp.NewClient(cfg.ServerURL, h.tpl.clientInfo, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// Configure rebinds nothing in place: an MCP session is fixed to its
// transport, endpoint and headers at initialize time.
func (h *handle) Configure(ctx context.Context, next template.Init, instance any) error {
	s, ok := instance.(*Session)
	if !ok {
		return fmt.Errorf("mcp %s: unexpected instance type %T", next.Identity.NodeID, instance)
	}
	cfg, ok := next.Config.(Config)
	if !ok {
		return fmt.Errorf("mcp %s: unexpected config type %T", next.Identity.NodeID, next.Config)
	}
	if !s.cfg.equal(cfg) {
		return template.ErrRecreateRequired
	}
	return nil
}

// Destroy closes the session.
func (h *handle) Destroy(ctx context.Context, instance any) error {
	s, ok := instance.(*Session)
	if !ok || s == nil {
		return nil
	}
	return s.Close()
}

// Session is a live mcp node instance: an initialized client session.
type Session struct {
	cfg Config

	mu     sync.Mutex
	client mcp.Connector
	closed bool
}

// Config returns the session's configuration.
func (s *Session) Config() Config { return s.cfg }

// ListTools returns the tools the server exposes.
func (s *Session) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	s.mu.Lock()
	client, closed := s.client, s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("mcp session is closed")
	}
	resp, err := client.ListTools(ctx, &mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	return resp.Tools, nil
}

// CallTool invokes a tool on the server and returns its content.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) ([]mcp.Content, error) {
	s.mu.Lock()
	client, closed := s.client, s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("mcp session is closed")
	}
	req := &mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	resp, err := client.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	if resp.IsError {
		return nil, fmt.Errorf("tool %s returned an error", name)
	}
	return resp.Content, nil
}

// Close terminates the underlying client. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
