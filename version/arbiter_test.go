//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArbiterNext(t *testing.T) {
	a := NewArbiter()
	tests := []struct {
		current string
		want    string
	}{
		{"1.0.0", "1.0.1"},
		{"1.0.9", "1.0.10"},
		{"2.3.4", "2.3.5"},
		{Initial, "1.0.1"},
		// Fallback: not strict semver, last numeric component increments.
		{"1.0", "1.1"},
		{"v1.x.7", "v1.x.8"},
		{"release", "release.1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.Next(tt.current), "Next(%q)", tt.current)
	}
}

func TestArbiterNextIsMonotonic(t *testing.T) {
	a := NewArbiter()
	v := Initial
	for i := 0; i < 25; i++ {
		next := a.Next(v)
		assert.Equal(t, 1, a.Compare(next, v), "%s should order after %s", next, v)
		v = next
	}
	assert.Equal(t, "1.0.25", v)
}

func TestArbiterCompare(t *testing.T) {
	a := NewArbiter()
	assert.Equal(t, 0, a.Compare("1.0.0", "1.0.0"))
	assert.Equal(t, -1, a.Compare("1.0.2", "1.0.10"))
	assert.Equal(t, 1, a.Compare("1.1.0", "1.0.99"))
	// String fallback keeps the order total for unparseable input.
	assert.Equal(t, -1, a.Compare("abc", "abd"))
}

func TestArbiterMax(t *testing.T) {
	a := NewArbiter()
	assert.Equal(t, "1.0.10", a.Max("1.0.2", "1.0.10"))
	assert.Equal(t, "1.0.10", a.Max("1.0.10", "1.0.2"))
	assert.Equal(t, "1.0.3", a.Max("1.0.3", "1.0.3"))
}
