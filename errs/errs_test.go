//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCodeAndStatus(t *testing.T) {
	err := New(CodeGraphNotFound, "graph %q not found", "g1")
	assert.Equal(t, CodeGraphNotFound, err.Code)
	assert.Equal(t, 404, err.Status)
	assert.Equal(t, `GRAPH_NOT_FOUND: graph "g1" not found`, err.Error())
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(CodeVersionConflict, "stale")
	wrapped := fmt.Errorf("submit: %w", inner)
	assert.Equal(t, CodeVersionConflict, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeVersionConflict))
	assert.False(t, IsCode(wrapped, CodeMergeConflict))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestWithCauseUnwraps(t *testing.T) {
	cause := errors.New("bad json")
	err := New(CodeInvalidConfig, "node %q config invalid", "a").WithCause(cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bad json")
}

func TestWithDetails(t *testing.T) {
	details := map[string]string{"currentVersion": "1.0.4"}
	err := New(CodeVersionConflict, "stale").WithDetails(details)
	assert.Equal(t, details, err.Details)
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeMergeConflict, "one thing")
	b := New(CodeMergeConflict, "another thing")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(CodeVersionConflict, "")))
}

func TestStatusOfDefaults(t *testing.T) {
	assert.Equal(t, 400, StatusOf(New(CodeMergeConflict, "x")))
	assert.Equal(t, 500, StatusOf(errors.New("boom")))
}
