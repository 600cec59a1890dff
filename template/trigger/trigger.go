//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package trigger provides the entry-point node template. A trigger injects
// messages into its downstream agents; it is the only node kind reachable
// through the engine's trigger execution surface.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/RazumRu/graphflow/template"
)

// TemplateName is the template id referenced by node schemas.
const TemplateName = "manual-trigger"

const configSchema = `{
  "type": "object",
  "properties": {
    "label": {"type": "string"},
    "defaultRole": {"type": "string", "enum": ["user", "system"]}
  },
  "additionalProperties": false
}`

// Config is the validated trigger node configuration. Both fields apply in
// place; a trigger never requires a recreate.
type Config struct {
	Label       string `json:"label,omitempty"`
	DefaultRole string `json:"defaultRole,omitempty"`
}

// Responder is what a trigger expects of a downstream instance. The agent
// template's instances satisfy it.
type Responder interface {
	Respond(ctx context.Context, messages []template.Message) (string, error)
}

// Resolver maps a node id of the trigger's graph to its live instance.
// The engine's live registry backs it in production wiring.
type Resolver func(graphID, nodeID string) any

// Receipt acknowledges an async fire.
type Receipt struct {
	Accepted bool     `json:"accepted"`
	Targets  []string `json:"targets"`
}

// FireResult carries the downstream replies of a synchronous fire.
type FireResult struct {
	Replies map[string]string `json:"replies"`
}

// Template implements template.Template for trigger nodes. A trigger must
// have at least one outgoing edge to an agent.
type Template struct {
	schema  *jsonschema.Schema
	resolve Resolver
}

// Option configures the trigger template.
type Option func(*Template)

// WithResolver wires the live-instance resolver used at fire time.
func WithResolver(r Resolver) Option {
	return func(t *Template) { t.resolve = r }
}

// New builds the trigger template.
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
func (t *Template) Kind() template.Kind { return template.KindTrigger }

// Connectivity implements template.Template.
func (t *Template) Connectivity() template.Connectivity {
	return template.Connectivity{RequiredOutbound: []template.Kind{template.KindAgent}}
}

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

// Create builds a started trigger bound to its downstream agent ids.
// Downstream instances are resolved lazily at fire time: build order
// creates the trigger before the agents it feeds.
func (h *handle) Create(ctx context.Context, init template.Init) (any, error) {
	cfg, ok := init.Config.(Config)
	if !ok {
		return nil, fmt.Errorf("trigger %s: unexpected config type %T", init.Identity.NodeID, init.Config)
	}
	tr := &Trigger{
		id:      init.Identity,
		resolve: h.tpl.resolve,
		started: true,
	}
	tr.cfg = cfg
	tr.targets = agentPeers(init.Downstream)
	return tr, nil
}

// Configure rebinds the trigger's config and downstream set in place.
func (h *handle) Configure(ctx context.Context, next template.Init, instance any) error {
	tr, ok := instance.(*Trigger)
	if !ok {
		return fmt.Errorf("trigger %s: unexpected instance type %T", next.Identity.NodeID, instance)
	}
	cfg, ok := next.Config.(Config)
	if !ok {
		return fmt.Errorf("trigger %s: unexpected config type %T", next.Identity.NodeID, next.Config)
	}
	tr.mu.Lock()
	tr.cfg = cfg
	tr.targets = agentPeers(next.Downstream)
	tr.mu.Unlock()
	return nil
}

// Destroy stops the trigger.
func (h *handle) Destroy(ctx context.Context, instance any) error {
	tr, ok := instance.(*Trigger)
	if !ok || tr == nil {
		return nil
	}
	tr.mu.Lock()
	tr.started = false
	tr.mu.Unlock()
	return nil
}

func agentPeers(peers []template.Peer) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.Kind == template.KindAgent {
			out = append(out, p.NodeID)
		}
	}
	sort.Strings(out)
	return out
}

// Trigger is a live trigger node instance.
type Trigger struct {
	id      template.Identity
	resolve Resolver

	mu      sync.RWMutex
	cfg     Config
	targets []string
	started bool
}

// Started implements template.TriggerInstance.
func (t *Trigger) Started() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.started
}

// Targets returns the downstream agent ids, sorted.
func (t *Trigger) Targets() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.targets...)
}

// Fire implements template.TriggerInstance. Messages without a role take
// the configured default. Async fires return a receipt without waiting for
// downstream replies.
func (t *Trigger) Fire(ctx context.Context, req template.TriggerRequest) (any, error) {
	t.mu.RLock()
	cfg, targets, started := t.cfg, t.targets, t.started
	t.mu.RUnlock()
	if !started {
		return nil, fmt.Errorf("trigger %s is not started", t.id.NodeID)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("trigger %s: no messages to inject", t.id.NodeID)
	}

	role := cfg.DefaultRole
	if role == "" {
		role = "user"
	}
	messages := make([]template.Message, len(req.Messages))
	for i, m := range req.Messages {
		if m.Role == "" {
			m.Role = role
		}
		messages[i] = m
	}

	if req.Async {
		return Receipt{Accepted: true, Targets: targets}, nil
	}

	res := FireResult{Replies: make(map[string]string, len(targets))}
	for _, nodeID := range targets {
		var inst any
		if t.resolve != nil {
			inst = t.resolve(t.id.GraphID, nodeID)
		}
		r, ok := inst.(Responder)
		if !ok {
			return nil, fmt.Errorf("trigger %s: downstream %s is not live", t.id.NodeID, nodeID)
		}
		reply, err := r.Respond(ctx, messages)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: downstream %s: %w", t.id.NodeID, nodeID, err)
		}
		res.Replies[nodeID] = reply
	}
	return res, nil
}
