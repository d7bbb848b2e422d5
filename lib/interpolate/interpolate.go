// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package interpolate substitutes ${var} references in prompt
// templates and condition operands against a run's context and state
// maps.
//
// Only the braced form is recognized — bare $var is left untouched
// for shell interpretation inside step commands. References may use
// dotted paths ("${a.b}") to reach into nested maps. A reference with
// no value is left as the literal ${...} text rather than replaced
// with an empty string: a prompt that names a missing variable should
// show the author exactly which reference did not resolve.
package interpolate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// referencePattern matches ${NAME} and ${NAME.PATH} references.
// Names start with a letter or underscore; path segments are joined
// with dots.
var referencePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\}`)

// Expand replaces ${name} references in input with values looked up
// in the given maps. Maps are consulted in order; the first map that
// contains the reference's root key wins (later maps do not shadow
// earlier ones for that key's nested path). Unresolved references are
// left as literal text.
func Expand(input string, maps ...map[string]any) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return referencePattern.ReplaceAllStringFunc(input, func(match string) string {
		path := match[2 : len(match)-1]
		if value, ok := Lookup(path, maps...); ok {
			return Format(value)
		}
		return match
	})
}

// Lookup resolves a dotted path against the maps in order. The root
// segment selects the map (first map containing it wins); remaining
// segments descend through nested map[string]any values. Returns
// false when any segment is missing or a non-leaf segment is not a
// map.
func Lookup(path string, maps ...map[string]any) (any, bool) {
	segments := strings.Split(path, ".")
	root := segments[0]

	for _, m := range maps {
		value, ok := m[root]
		if !ok {
			continue
		}
		for _, segment := range segments[1:] {
			nested, isMap := value.(map[string]any)
			if !isMap {
				return nil, false
			}
			value, ok = nested[segment]
			if !ok {
				return nil, false
			}
		}
		return value, true
	}
	return nil, false
}

// Format renders a looked-up value as template text. Strings pass
// through; floats drop the trailing ".0" that fmt's %v would keep for
// whole numbers (costs and counters read as integers in prompts);
// everything else uses fmt's default formatting.
func Format(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
