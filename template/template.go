//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package template defines the contract between the engine and node
// implementations: a Template validates configs and yields a Handle, and a
// Handle drives the lifecycle of live node instances (create, configure,
// destroy). The engine treats all nodes uniformly through these interfaces.
package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies node templates. The engine itself is kind-agnostic; kinds
// exist for planner ordering and for observers (e.g. trigger resolution).
type Kind string

const (
	// KindRuntime is a container runtime node (sandboxes, execution envs).
	KindRuntime Kind = "runtime"
	// KindTool is an in-process tool provider node.
	KindTool Kind = "tool"
	// KindMCP is an MCP server session node.
	KindMCP Kind = "mcp"
	// KindAgent is an LLM agent node.
	KindAgent Kind = "agent"
	// KindTrigger is an entry-point node that injects messages into the graph.
	KindTrigger Kind = "trigger"
)

// ErrRecreateRequired is returned by Handle.Configure when the requested
// change cannot be applied in place and the node must be destroyed and
// recreated (e.g. a container image change).
var ErrRecreateRequired = errors.New("reconfigure requires recreate")

// Identity names a node instance stably across retries and re-registrations.
// External resource names (container names etc.) must derive from it so that
// a redelivered job reattaches to the pre-existing resource instead of
// leaking a second one.
type Identity struct {
	GraphID  string
	NodeID   string
	ThreadID string
}

// ResourceName derives the stable external resource name for this identity.
func (id Identity) ResourceName() string {
	g := id.GraphID
	if len(g) > 8 {
		g = g[:8]
	}
	parts := []string{"gf", g, id.NodeID}
	if id.ThreadID != "" {
		parts = append(parts, id.ThreadID)
	}
	return strings.Join(parts, "-")
}

// Peer describes a neighbouring node as visible to a handle.
type Peer struct {
	NodeID   string
	Template string
	Kind     Kind
	// Instance is the live instance of the peer if it is already built,
	// nil otherwise. Handles must not retain it beyond the call; long-lived
	// references go through the node id.
	Instance any
}

// Init is the fully-resolved input to Handle.Create/Configure: the node's
// identity, its validated config and its resolved neighbourhood.
type Init struct {
	Identity   Identity
	Config     any
	Upstream   []Peer
	Downstream []Peer
}

// Handle is the lifecycle contract every template must satisfy.
type Handle interface {
	// Create produces a fully-initialized node instance.
	Create(ctx context.Context, init Init) (instance any, err error)
	// Configure requests in-place reconfiguration of instance to next.
	// Returning ErrRecreateRequired signals the executor to destroy and
	// recreate instead. Configure must be idempotent for the same next.
	Configure(ctx context.Context, next Init, instance any) error
	// Destroy releases all underlying resources. It must tolerate a
	// partially-initialized instance and must not panic.
	Destroy(ctx context.Context, instance any) error
}

// Connectivity declares the connection kinds a template requires on its
// incoming and outgoing edges.
type Connectivity struct {
	RequiredInbound  []Kind
	RequiredOutbound []Kind
}

// Template describes a node template: its kind, config validation and the
// handle used to run instances of it.
type Template interface {
	// Name is the template id referenced by Node.Template in schemas.
	Name() string
	// Kind classifies nodes of this template.
	Kind() Kind
	// Connectivity declares required incoming/outgoing connection kinds.
	Connectivity() Connectivity
	// ValidateConfig checks raw config and returns the typed config the
	// handle consumes. Validation is pure.
	ValidateConfig(raw json.RawMessage) (any, error)
	// Handle returns the lifecycle handle for this template. Handles are
	// stateless with respect to individual instances.
	Handle() Handle
}

// Registry resolves template names to templates.
type Registry interface {
	Lookup(name string) (Template, bool)
}

// MapRegistry is the standard in-memory Registry.
type MapRegistry struct {
	templates map[string]Template
}

// NewRegistry builds a registry from the given templates.
func NewRegistry(templates ...Template) *MapRegistry {
	r := &MapRegistry{templates: make(map[string]Template, len(templates))}
	for _, t := range templates {
		r.templates[t.Name()] = t
	}
	return r
}

// Register adds or replaces a template.
func (r *MapRegistry) Register(t Template) {
	r.templates[t.Name()] = t
}

// Lookup implements Registry.
func (r *MapRegistry) Lookup(name string) (Template, bool) {
	t, ok := r.templates[name]
	return t, ok
}

// Names returns the registered template names (unordered).
func (r *MapRegistry) Names() []string {
	out := make([]string, 0, len(r.templates))
	for n := range r.templates {
		out = append(out, n)
	}
	return out
}

// DecodeConfig unmarshals raw into a typed config value, treating empty raw
// as the zero value. Shared helper for template implementations.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var cfg T
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
