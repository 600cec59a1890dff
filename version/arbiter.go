//
// Copyright (C) 2025 RazumRu.  All rights reserved.
//
// graphflow is licensed under the Apache License Version 2.0.
//
//

// Package version provides monotonic patch-version arbitration for graph
// revisions.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Initial is the version every new graph starts at.
const Initial = "1.0.0"

// Arbiter generates and compares graph versions. Versions advance by patch
// increments only.
type Arbiter struct{}

// NewArbiter returns the standard semver arbiter.
func NewArbiter() *Arbiter { return &Arbiter{} }

// Next returns the patch increment of current (1.2.3 -> 1.2.4). When current
// is not parseable semver, it falls back to incrementing the last numeric
// dot-separated component.
func (a *Arbiter) Next(current string) string {
	if v, err := semver.StrictNewVersion(current); err == nil {
		next := v.IncPatch()
		return next.String()
	}
	return incrementLast(current)
}

// Compare orders two versions: -1 when a<b, 0 when equal, +1 when a>b.
// Unparseable versions fall back to string comparison so ordering stays
// total.
func (a *Arbiter) Compare(x, y string) int {
	xv, xerr := semver.StrictNewVersion(x)
	yv, yerr := semver.StrictNewVersion(y)
	if xerr == nil && yerr == nil {
		return xv.Compare(yv)
	}
	return strings.Compare(x, y)
}

// Max returns the later of x and y.
func (a *Arbiter) Max(x, y string) string {
	if a.Compare(x, y) >= 0 {
		return x
	}
	return y
}

func incrementLast(v string) string {
	parts := strings.Split(v, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			continue
		}
		parts[i] = strconv.Itoa(n + 1)
		return strings.Join(parts, ".")
	}
	// No numeric component at all; append one.
	return fmt.Sprintf("%s.1", v)
}
