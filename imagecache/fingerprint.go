// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package imagecache builds and reuses container images keyed by the
// content of a step's dependency set. Two environments declaring the
// same dependencies share one built image regardless of declaration
// order; a cache hit skips the build entirely. Build failure is
// non-fatal: the step falls back to the base image and installs at
// run time.
package imagecache

import (
	"encoding/hex"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/drover-works/drover/lib/codec"
	"github.com/drover-works/drover/lib/schema"
)

// canonicalDependencySet is the deterministic shape that gets hashed:
// sorted package lists under sorted ecosystem keys (CBOR core
// deterministic encoding sorts map keys), sorted system setup. Only
// content matters, never declaration order.
type canonicalDependencySet struct {
	BaseImage   string              `cbor:"base_image"`
	Packages    map[string][]string `cbor:"packages,omitempty"`
	SystemSetup []string            `cbor:"system_setup,omitempty"`
}

// Fingerprint returns the hex BLAKE3 hash of the canonical encoding
// of a dependency set. baseImage is the resolved base (the set's own
// BaseImage, or the step/runtime default when that is empty) — two
// identical package lists on different bases are different images.
func Fingerprint(set *schema.DependencySet, baseImage string) string {
	canonical := canonicalDependencySet{BaseImage: baseImage}

	if len(set.Packages) > 0 {
		canonical.Packages = make(map[string][]string, len(set.Packages))
		for ecosystem, packages := range set.Packages {
			sorted := make([]string, len(packages))
			copy(sorted, packages)
			sort.Strings(sorted)
			canonical.Packages[ecosystem] = sorted
		}
	}

	if len(set.SystemSetup) > 0 {
		canonical.SystemSetup = make([]string, len(set.SystemSetup))
		copy(canonical.SystemSetup, set.SystemSetup)
		sort.Strings(canonical.SystemSetup)
	}

	encoded, err := codec.Marshal(canonical)
	if err != nil {
		// The canonical struct contains only strings and maps; this
		// cannot fail at runtime.
		panic("imagecache: encoding dependency set: " + err.Error())
	}

	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// FlattenDependencies returns the sorted "ecosystem:package" list
// recorded on cache entries for display.
func FlattenDependencies(set *schema.DependencySet) []string {
	var flattened []string
	for ecosystem, packages := range set.Packages {
		for _, pkg := range packages {
			flattened = append(flattened, ecosystem+":"+pkg)
		}
	}
	sort.Strings(flattened)
	return flattened
}
