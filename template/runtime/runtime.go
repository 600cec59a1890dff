//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package runtime provides the container runtime node template backed by the
// Docker Engine API. Container names derive from the node identity, so a
// redelivered apply job reattaches to the container it already created
// instead of leaking a second one.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/RazumRu/graphflow/template"
)

// TemplateName is the template id referenced by node schemas.
const TemplateName = "docker-runtime"

const defaultStopTimeout = 10 * time.Second

const configSchema = `{
  "type": "object",
  "properties": {
    "image": {"type": "string", "minLength": 1},
    "command": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "workdir": {"type": "string"},
    "stopTimeoutSeconds": {"type": "integer", "minimum": 0}
  },
  "required": ["image"],
  "additionalProperties": false
}`

// Config is the validated runtime node configuration. Image, command, env
// and workdir are fixed at container creation; changing any of them forces
// a recreate. The stop timeout is applied in place.
type Config struct {
	Image              string            `json:"image"`
	Command            []string          `json:"command,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	Workdir            string            `json:"workdir,omitempty"`
	StopTimeoutSeconds *int              `json:"stopTimeoutSeconds,omitempty"`
}

func (c Config) requiresRecreate(next Config) bool {
	if c.Image != next.Image || c.Workdir != next.Workdir {
		return true
	}
	if len(c.Command) != len(next.Command) {
		return true
	}
	for i := range c.Command {
		if c.Command[i] != next.Command[i] {
			return true
		}
	}
	if len(c.Env) != len(next.Env) {
		return true
	}
	for k, v := range c.Env {
		if nv, ok := next.Env[k]; !ok || nv != v {
			return true
		}
	}
	return false
}

func (c Config) envList() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c Config) stopTimeout() time.Duration {
	if c.StopTimeoutSeconds == nil {
		return defaultStopTimeout
	}
	return time.Duration(*c.StopTimeoutSeconds) * time.Second
}

// Template implements template.Template for runtime nodes.
type Template struct {
	schema *jsonschema.Schema
	cli    *client.Client
}

// Option configures the runtime template.
type Option func(*Template)

// WithClient overrides the Docker client. Tests bind it to an httptest
// server.
func WithClient(cli *client.Client) Option {
	return func(t *Template) { t.cli = cli }
}

// New builds the runtime template. Without WithClient the Docker client is
// taken from the environment (DOCKER_HOST etc.).
func New(opts ...Option) (*Template, error) {
	t := &Template{schema: template.MustCompileSchema(TemplateName, configSchema)}
	for _, opt := range opts {
		opt(t)
	}
	if t.cli == nil {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("runtime template: docker client: %w", err)
		}
		t.cli = cli
	}
	return t, nil
}

// Name implements template.Template.
func (t *Template) Name() string { return TemplateName }

// Kind implements template.Template.
func (t *Template) Kind() template.Kind { return template.KindRuntime }

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
	return cfg, nil
}

// Handle implements template.Template.
func (t *Template) Handle() template.Handle { return &handle{cli: t.cli} }

// Container is a live runtime node instance.
type Container struct {
	ID   string
	Name string
	cfg  Config
}

// Config returns the container's configuration.
func (c *Container) Config() Config { return c.cfg }

type handle struct{ cli *client.Client }

// Create starts a container named after the node identity. A leftover
// container with the same name and image from an earlier attempt is reused;
// one with a different image is replaced.
func (h *handle) Create(ctx context.Context, init template.Init) (any, error) {
	cfg, ok := init.Config.(Config)
	if !ok {
		return nil, fmt.Errorf("runtime %s: unexpected config type %T", init.Identity.NodeID, init.Config)
	}
	name := init.Identity.ResourceName()

	insp, err := h.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil && insp.Config != nil && insp.Config.Image == cfg.Image:
		if insp.State == nil || !insp.State.Running {
			if err := h.cli.ContainerStart(ctx, insp.ID, container.StartOptions{}); err != nil {
				return nil, fmt.Errorf("runtime %s: start container %s: %w", init.Identity.NodeID, name, err)
			}
		}
		return &Container{ID: insp.ID, Name: name, cfg: cfg}, nil
	case err == nil:
		if err := h.cli.ContainerRemove(ctx, insp.ID, container.RemoveOptions{Force: true}); err != nil {
			return nil, fmt.Errorf("runtime %s: remove stale container %s: %w", init.Identity.NodeID, name, err)
		}
	case !client.IsErrNotFound(err):
		return nil, fmt.Errorf("runtime %s: inspect container %s: %w", init.Identity.NodeID, name, err)
	}

	created, err := h.cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Command,
		Env:        cfg.envList(),
		WorkingDir: cfg.Workdir,
		Labels: map[string]string{
			"graphflow.graph": init.Identity.GraphID,
			"graphflow.node":  init.Identity.NodeID,
		},
	}, &container.HostConfig{}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("runtime %s: create container %s: %w", init.Identity.NodeID, name, err)
	}
	if err := h.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("runtime %s: start container %s: %w", init.Identity.NodeID, name, err)
	}
	return &Container{ID: created.ID, Name: name, cfg: cfg}, nil
}

// Configure applies a config change in place when only tuning fields
// changed. Image, command, env and workdir changes require a recreate.
func (h *handle) Configure(ctx context.Context, next template.Init, instance any) error {
	c, ok := instance.(*Container)
	if !ok {
		return fmt.Errorf("runtime %s: unexpected instance type %T", next.Identity.NodeID, instance)
	}
	cfg, ok := next.Config.(Config)
	if !ok {
		return fmt.Errorf("runtime %s: unexpected config type %T", next.Identity.NodeID, next.Config)
	}
	if c.cfg.requiresRecreate(cfg) {
		return template.ErrRecreateRequired
	}
	c.cfg = cfg
	return nil
}

// Destroy stops and removes the container. A container already gone is not
// an error.
func (h *handle) Destroy(ctx context.Context, instance any) error {
	c, ok := instance.(*Container)
	if !ok || c == nil || c.ID == "" {
		return nil
	}
	secs := int(c.cfg.stopTimeout() / time.Second)
	if err := h.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &secs}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("runtime: stop container %s: %w", c.Name, err)
	}
	if err := h.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("runtime: remove container %s: %w", c.Name, err)
	}
	return nil
}
