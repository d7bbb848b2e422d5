// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package workflowdef

import (
	"fmt"
	"sort"

	"github.com/drover-works/drover/lib/schema"
)

// ResolveVariables merges a workflow's variable declarations with
// caller-provided context values. Precedence, lowest first:
//
//  1. declaration defaults
//  2. caller-provided values
//
// Provided keys without a declaration pass through untouched; authors
// may feed extra context to prompt templates without declaring it.
// A required variable with no value from any source is an error, and
// all such errors are reported together.
func ResolveVariables(def *schema.WorkflowDefinition, provided map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(def.Variables)+len(provided))

	for name, decl := range def.Variables {
		if decl.Default != "" || !decl.Required {
			resolved[name] = decl.Default
		}
	}
	for name, value := range provided {
		resolved[name] = value
	}

	var missing []string
	for name, decl := range def.Variables {
		if !decl.Required {
			continue
		}
		if _, ok := resolved[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("workflow %q: missing required variables: %v", def.Name, missing)
	}

	return resolved, nil
}
