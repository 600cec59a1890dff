//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package schema

import (
	"github.com/RazumRu/graphflow/errs"
	"github.com/RazumRu/graphflow/template"
)

// Validator performs structural and semantic validation of a schema against
// a template registry. Validation is pure: no I/O, no mutation.
type Validator struct {
	templates template.Registry
}

// NewValidator builds a validator over the given registry.
func NewValidator(templates template.Registry) *Validator {
	return &Validator{templates: templates}
}

// Validate checks the schema and returns a coded error on the first
// violation: DUPLICATE_NODE_ID, DANGLING_EDGE, INVALID_TEMPLATE,
// INVALID_CONFIG or MISSING_REQUIRED_CONNECTION.
func (v *Validator) Validate(s *Schema) error {
	seen := make(map[string]struct{}, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == "" {
			return errs.New(errs.CodeInvalidConfig, "node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return errs.New(errs.CodeDuplicateNodeID, "duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	for _, e := range s.Edges {
		if _, ok := seen[e.From]; !ok {
			return errs.New(errs.CodeDanglingEdge, "edge references unknown node %q", e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return errs.New(errs.CodeDanglingEdge, "edge references unknown node %q", e.To)
		}
	}

	kinds := make(map[string]template.Kind, len(s.Nodes))
	for _, n := range s.Nodes {
		tpl, ok := v.templates.Lookup(n.Template)
		if !ok {
			return errs.New(errs.CodeInvalidTemplate, "node %q references unknown template %q", n.ID, n.Template)
		}
		kinds[n.ID] = tpl.Kind()
		if _, err := tpl.ValidateConfig(n.Config); err != nil {
			return errs.New(errs.CodeInvalidConfig, "node %q config invalid", n.ID).WithCause(err)
		}
	}

	for _, n := range s.Nodes {
		tpl, _ := v.templates.Lookup(n.Template)
		conn := tpl.Connectivity()
		for _, k := range conn.RequiredInbound {
			if !v.hasNeighbor(s, kinds, n.ID, k, true) {
				return errs.New(errs.CodeMissingRequiredConnection,
					"node %q requires an incoming connection from a %q node", n.ID, k)
			}
		}
		for _, k := range conn.RequiredOutbound {
			if !v.hasNeighbor(s, kinds, n.ID, k, false) {
				return errs.New(errs.CodeMissingRequiredConnection,
					"node %q requires an outgoing connection to a %q node", n.ID, k)
			}
		}
	}
	return nil
}

// hasNeighbor reports whether node id has an edge neighbour of the wanted
// kind on the inbound (edges into id) or outbound side.
func (v *Validator) hasNeighbor(s *Schema, kinds map[string]template.Kind, id string, want template.Kind, inbound bool) bool {
	for _, e := range s.Edges {
		var peer string
		switch {
		case inbound && e.To == id:
			peer = e.From
		case !inbound && e.From == id:
			peer = e.To
		default:
			continue
		}
		if kinds[peer] == want {
			return true
		}
	}
	return false
}
