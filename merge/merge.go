//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package merge implements the three-way schema merge used for concurrent
// revision arbitration, plus RFC-6902 patch helpers.
//
// The algorithm is deterministic in (base, head, client): identical inputs
// always produce byte-identical merged output.
package merge

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/RazumRu/graphflow/errs"
	"github.com/RazumRu/graphflow/schema"
)

// ConflictType classifies merge conflicts.
type ConflictType string

const (
	// ConflictConcurrentModification: both sides changed the same path to
	// different values (includes add/add of the same node id with
	// different bodies).
	ConflictConcurrentModification ConflictType = "concurrent_modification"
	// ConflictRemoveVsModify: one side removed a node the other modified.
	ConflictRemoveVsModify ConflictType = "remove_vs_modify"
	// ConflictValidation: the merged schema failed re-validation; the
	// validator's error code is carried in Code.
	ConflictValidation ConflictType = "validation"
)

// Conflict describes a single merge conflict at a JSON-pointer-like path.
type Conflict struct {
	Type    ConflictType `json:"type"`
	Path    string       `json:"path"`
	Message string       `json:"message,omitempty"`
	Code    errs.Code    `json:"code,omitempty"`
	Base    any          `json:"base,omitempty"`
	Head    any          `json:"head,omitempty"`
	Client  any          `json:"client,omitempty"`
}

// Result is the outcome of a three-way merge.
type Result struct {
	Success   bool
	Merged    *schema.Schema
	Conflicts []Conflict
}

// Merger performs three-way merges and re-validates merged output.
type Merger struct {
	validator *schema.Validator
}

// NewMerger builds a merger that re-validates merged schemas with validator.
func NewMerger(validator *schema.Validator) *Merger {
	return &Merger{validator: validator}
}

// Merge merges client against head given their shared base. On success the
// merged schema is normalized and re-validated; a validation failure
// downgrades the result to a conflict rather than an error.
func (m *Merger) Merge(base, head, client *schema.Schema) Result {
	var conflicts []Conflict

	merged := &schema.Schema{}
	merged.Nodes, conflicts = m.mergeNodes(base, head, client, conflicts)
	merged.Edges = mergeEdges(base, head, client)
	merged.Normalize()

	if len(conflicts) > 0 {
		return Result{Success: false, Conflicts: conflicts}
	}

	if err := m.validator.Validate(merged); err != nil {
		return Result{Success: false, Conflicts: []Conflict{{
			Type:    ConflictValidation,
			Path:    "/",
			Message: err.Error(),
			Code:    errs.CodeOf(err),
		}}}
	}
	return Result{Success: true, Merged: merged}
}

func (m *Merger) mergeNodes(base, head, client *schema.Schema, conflicts []Conflict) ([]schema.Node, []Conflict) {
	bi, hi, ci := base.NodeIndex(), head.NodeIndex(), client.NodeIndex()

	ids := make(map[string]struct{})
	for id := range bi {
		ids[id] = struct{}{}
	}
	for id := range hi {
		ids[id] = struct{}{}
	}
	for id := range ci {
		ids[id] = struct{}{}
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	var out []schema.Node
	for _, id := range ordered {
		b, inBase := bi[id]
		h, inHead := hi[id]
		c, inClient := ci[id]

		switch {
		case inBase && inHead && inClient:
			n, cs := mergeNode(id, b, h, c)
			conflicts = append(conflicts, cs...)
			if len(cs) == 0 {
				out = append(out, n)
			}
		case inBase && !inHead && !inClient:
			// Removed on both sides.
		case inBase && !inHead:
			// Head removed; keep removal unless client modified it.
			if !nodeEqual(b, c) {
				conflicts = append(conflicts, Conflict{
					Type:    ConflictRemoveVsModify,
					Path:    nodePath(id),
					Message: fmt.Sprintf("node %q removed by head but modified by client", id),
				})
			}
		case inBase && !inClient:
			// Client removed; keep removal unless head modified it.
			if !nodeEqual(b, h) {
				conflicts = append(conflicts, Conflict{
					Type:    ConflictRemoveVsModify,
					Path:    nodePath(id),
					Message: fmt.Sprintf("node %q removed by client but modified by head", id),
				})
			}
		case inHead && inClient:
			// Added on both sides; identical adds collapse.
			if nodeEqual(h, c) {
				out = append(out, h)
			} else {
				conflicts = append(conflicts, Conflict{
					Type:    ConflictConcurrentModification,
					Path:    nodePath(id),
					Message: fmt.Sprintf("node %q added on both sides with different bodies", id),
				})
			}
		case inHead:
			out = append(out, h)
		default:
			out = append(out, c)
		}
	}
	return out, conflicts
}

// mergeNode three-way-merges a node present on all three sides, path by path.
func mergeNode(id string, b, h, c schema.Node) (schema.Node, []Conflict) {
	var conflicts []Conflict
	merged := schema.Node{ID: id}

	// Template is a scalar path.
	headChanged := h.Template != b.Template
	clientChanged := c.Template != b.Template
	switch {
	case headChanged && clientChanged && h.Template != c.Template:
		conflicts = append(conflicts, Conflict{
			Type:   ConflictConcurrentModification,
			Path:   nodePath(id) + "/template",
			Base:   b.Template,
			Head:   h.Template,
			Client: c.Template,
		})
	case clientChanged:
		merged.Template = c.Template
	default:
		merged.Template = h.Template
	}

	cfg, cs := mergeConfig(id, b.Config, h.Config, c.Config)
	conflicts = append(conflicts, cs...)
	merged.Config = cfg
	return merged, conflicts
}

// mergeConfig merges configs leaf path by leaf path. Objects recurse;
// arrays and scalars are leaves compared wholesale.
func mergeConfig(id string, braw, hraw, craw json.RawMessage) (json.RawMessage, []Conflict) {
	bv := decodeLoose(braw)
	hv := decodeLoose(hraw)
	cv := decodeLoose(craw)

	bleaves := flatten("", bv)
	hleaves := flatten("", hv)
	cleaves := flatten("", cv)

	paths := make(map[string]struct{})
	for p := range bleaves {
		paths[p] = struct{}{}
	}
	for p := range hleaves {
		paths[p] = struct{}{}
	}
	for p := range cleaves {
		paths[p] = struct{}{}
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	var conflicts []Conflict
	result := deepCopyValue(bv)
	for _, p := range ordered {
		bval, inB := bleaves[p]
		hval, inH := hleaves[p]
		cval, inC := cleaves[p]

		headChanged := changed(bval, inB, hval, inH)
		clientChanged := changed(bval, inB, cval, inC)

		switch {
		case !headChanged && !clientChanged:
			// Untouched.
		case headChanged && clientChanged:
			if reflect.DeepEqual(hval, cval) && inH == inC {
				result = applyLeaf(result, p, hval, inH)
			} else {
				conflicts = append(conflicts, Conflict{
					Type:   ConflictConcurrentModification,
					Path:   nodePath(id) + "/config" + p,
					Base:   leafOrNil(bval, inB),
					Head:   leafOrNil(hval, inH),
					Client: leafOrNil(cval, inC),
				})
			}
		case headChanged:
			result = applyLeaf(result, p, hval, inH)
		default:
			result = applyLeaf(result, p, cval, inC)
		}
	}

	if len(conflicts) > 0 {
		return nil, conflicts
	}
	raw, err := json.Marshal(result)
	if err != nil {
		// Only reachable with non-JSON-able values, which cannot occur
		// after a JSON decode.
		return nil, []Conflict{{
			Type:    ConflictConcurrentModification,
			Path:    nodePath(id) + "/config",
			Message: err.Error(),
		}}
	}
	return raw, nil
}

func changed(base any, inBase bool, side any, inSide bool) bool {
	if inBase != inSide {
		return true
	}
	if !inBase {
		return false
	}
	return !reflect.DeepEqual(base, side)
}

func leafOrNil(v any, present bool) any {
	if !present {
		return nil
	}
	return v
}

// flatten maps a JSON value to leaf paths. Objects recurse; everything else
// (scalars, arrays, null) is a leaf. The empty path refers to a non-object
// root.
func flatten(prefix string, v any) map[string]any {
	out := make(map[string]any)
	obj, ok := v.(map[string]any)
	if !ok {
		// Non-object root: single leaf at the root path.
		out[prefix] = v
		return out
	}
	if len(obj) == 0 && prefix != "" {
		out[prefix] = obj
		return out
	}
	for k, val := range obj {
		p := prefix + "/" + escapePointer(k)
		if child, isObj := val.(map[string]any); isObj {
			if len(child) == 0 {
				out[p] = child
				continue
			}
			for cp, cv := range flatten(p, child) {
				out[cp] = cv
			}
			continue
		}
		out[p] = val
	}
	return out
}

// applyLeaf sets (or deletes, when present is false) the leaf at path in v
// and returns the updated value.
func applyLeaf(v any, path string, val any, present bool) any {
	if path == "" {
		if !present {
			return map[string]any{}
		}
		return val
	}
	segs := splitPointer(path)
	root, ok := v.(map[string]any)
	if !ok {
		if !present {
			return v
		}
		root = map[string]any{}
	}
	setNested(root, segs, val, present)
	return root
}

func setNested(m map[string]any, segs []string, val any, present bool) {
	if len(segs) == 1 {
		if present {
			m[segs[0]] = val
		} else {
			delete(m, segs[0])
		}
		return
	}
	child, ok := m[segs[0]].(map[string]any)
	if !ok {
		if !present {
			return
		}
		child = map[string]any{}
		m[segs[0]] = child
	}
	setNested(child, segs[1:], val, present)
	// Deleting the last key of a nested object removes the object itself,
	// so the merged config does not grow empty husks the sides never had.
	if !present && len(child) == 0 {
		delete(m, segs[0])
	}
}

func mergeEdges(base, head, client *schema.Schema) []schema.Edge {
	bset, hset, cset := base.EdgeSet(), head.EdgeSet(), client.EdgeSet()

	merged := make(map[schema.Edge]struct{})
	// Survivors: in base and not removed by either side.
	for e := range bset {
		_, inH := hset[e]
		_, inC := cset[e]
		if inH && inC {
			merged[e] = struct{}{}
		}
	}
	// Union of additions from both sides.
	for e := range hset {
		if _, inB := bset[e]; !inB {
			merged[e] = struct{}{}
		}
	}
	for e := range cset {
		if _, inB := bset[e]; !inB {
			merged[e] = struct{}{}
		}
	}

	out := make([]schema.Edge, 0, len(merged))
	for e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func nodeEqual(a, b schema.Node) bool {
	return a.Template == b.Template && schema.ConfigEqual(a.Config, b.Config)
}

func nodePath(id string) string {
	return "/nodes/" + escapePointer(id)
}

func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func splitPointer(p string) []string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range parts {
		s = strings.ReplaceAll(s, "~1", "/")
		parts[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return parts
}

func decodeLoose(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	if v == nil {
		return map[string]any{}
	}
	return v
}

func deepCopyValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}
