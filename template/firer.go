//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package template

import "context"

// Message is a single message injected through a trigger.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TriggerRequest is the payload of a trigger execution.
type TriggerRequest struct {
	Messages    []Message `json:"messages"`
	Async       bool      `json:"async,omitempty"`
	ThreadSubID string    `json:"threadSubId,omitempty"`
}

// TriggerInstance is the contract trigger-kind instances expose to the
// engine's executeTrigger surface.
type TriggerInstance interface {
	// Started reports whether the trigger is accepting executions.
	Started() bool
	// Fire injects the request into the graph and returns the result
	// (or an acknowledgement when the request is async).
	Fire(ctx context.Context, req TriggerRequest) (any, error)
}
