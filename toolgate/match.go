// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package toolgate

import "strings"

// matchPattern checks whether a normalized tool form matches one allow
// or deny pattern. Patterns use the ":"-separated tool hierarchy:
//
//	"Bash"        matches "Bash" exactly
//	"Bash:*"      matches "Bash:npm:test", "Bash:git:status", and "Bash"
//	"Bash:npm:*"  matches "Bash:npm:test" but not "Bash:git:status"
//	"*"           matches any tool
//
// A trailing ":*" covers the bare prefix too: denying "Bash:*" denies
// plain "Bash".
func matchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return value == prefix || strings.HasPrefix(value, prefix+":")
	}
	return pattern == value
}

// matchAnyPattern returns the first matching pattern, or "" when none
// match.
func matchAnyPattern(patterns []string, value string) string {
	for _, pattern := range patterns {
		if matchPattern(pattern, value) {
			return pattern
		}
	}
	return ""
}

// allowMatches checks the allow list against both the full normalized
// form and the bare base name. An allow entry of "Bash" admits every
// "Bash:..." sub-form; an entry of "Bash:npm:*" admits only matching
// sub-forms.
func allowMatches(patterns []string, base, normalized string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, normalized) {
			return true
		}
		// A bare base-name entry covers all of that tool's sub-forms.
		if !strings.Contains(pattern, ":") && pattern == base {
			return true
		}
	}
	return false
}
