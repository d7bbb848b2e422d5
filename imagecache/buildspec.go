// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drover-works/drover/lib/schema"
)

// installCommands maps an ecosystem to the shell command template
// installing its packages in one layer. Each ecosystem is one RUN
// line so a changed package list invalidates only its own layer.
var installCommands = map[string]string{
	"apt":   "apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*",
	"pip":   "pip install --no-cache-dir %s",
	"npm":   "npm install --global %s",
	"apk":   "apk add --no-cache %s",
	"cargo": "cargo install %s",
}

// BuildFile renders the layered container build file for a dependency
// set on the given base image. Ecosystems are emitted in sorted order
// so the same set always renders the same file. Unknown ecosystems
// are an error; the caller falls back to the base image.
func BuildFile(set *schema.DependencySet, baseImage string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", baseImage)

	ecosystems := make([]string, 0, len(set.Packages))
	for ecosystem := range set.Packages {
		ecosystems = append(ecosystems, ecosystem)
	}
	sort.Strings(ecosystems)

	for _, ecosystem := range ecosystems {
		template, known := installCommands[ecosystem]
		if !known {
			return "", fmt.Errorf("imagecache: unknown package ecosystem %q", ecosystem)
		}
		packages := make([]string, len(set.Packages[ecosystem]))
		copy(packages, set.Packages[ecosystem])
		sort.Strings(packages)
		fmt.Fprintf(&b, "RUN %s\n", fmt.Sprintf(template, strings.Join(packages, " ")))
	}

	setup := make([]string, len(set.SystemSetup))
	copy(setup, set.SystemSetup)
	sort.Strings(setup)
	for _, command := range setup {
		fmt.Fprintf(&b, "RUN %s\n", command)
	}

	return b.String(), nil
}

// WriteBuildContext writes the build file into a fresh directory under
// parent and returns the directory path.
func WriteBuildContext(parent string, set *schema.DependencySet, baseImage string) (string, error) {
	content, err := BuildFile(set, baseImage)
	if err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(parent, "drover-build-")
	if err != nil {
		return "", fmt.Errorf("imagecache: creating build context: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(content), 0644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("imagecache: writing build file: %w", err)
	}
	return dir, nil
}
