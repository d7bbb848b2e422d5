// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package condition evaluates the restricted boolean expressions used
// in step routing conditions.
//
// The grammar has exactly two precedence levels and no parentheses:
//
//	expression  = alternative { "||" alternative }
//	alternative = atom { "&&" atom }
//	atom        = "true" | "false" | operand op operand
//	op          = "==" | "!=" | ">=" | "<=" | ">" | "<"
//
// The first ||-alternative whose atoms are all true wins; if none is
// true the expression is false. Operands are interpolated strings
// (lib/interpolate, missing references stay literal) and are compared
// numerically when both sides parse as numbers, otherwise as strings.
//
// This is intentionally not a general expression language. There is
// no grouping, no negation operator, and no operator precedence
// beyond the two fixed levels — a known, accepted limitation.
package condition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/drover-works/drover/lib/interpolate"
)

// comparisonOperators in match order: two-character operators first
// so ">=" is not misread as ">" followed by "=...".
var comparisonOperators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Evaluate interpolates and evaluates expr against the given variable
// maps. Returns an error only for syntax problems (empty atoms,
// missing operands); a well-formed expression always evaluates.
func Evaluate(expr string, maps ...map[string]any) (bool, error) {
	alternatives := strings.Split(expr, "||")
	for _, alternative := range alternatives {
		value, err := evaluateAlternative(alternative, maps)
		if err != nil {
			return false, err
		}
		if value {
			return true, nil
		}
	}
	return false, nil
}

// Check validates expr's syntax without evaluating it. Used at
// definition validation time, before any run context exists.
func Check(expr string) error {
	for _, alternative := range strings.Split(expr, "||") {
		for _, atom := range strings.Split(alternative, "&&") {
			if _, _, _, err := splitAtom(atom); err != nil {
				return err
			}
		}
	}
	return nil
}

// evaluateAlternative evaluates one &&-conjunction: true only when
// every atom is true.
func evaluateAlternative(alternative string, maps []map[string]any) (bool, error) {
	for _, atom := range strings.Split(alternative, "&&") {
		value, err := evaluateAtom(atom, maps)
		if err != nil {
			return false, err
		}
		if !value {
			return false, nil
		}
	}
	return true, nil
}

// evaluateAtom evaluates a single boolean literal or binary
// comparison.
func evaluateAtom(atom string, maps []map[string]any) (bool, error) {
	left, operator, right, err := splitAtom(atom)
	if err != nil {
		return false, err
	}

	if operator == "" {
		// Boolean literal, possibly produced by interpolation.
		literal := strings.TrimSpace(interpolate.Expand(left, maps...))
		switch literal {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("condition atom %q is neither a boolean literal nor a comparison", strings.TrimSpace(atom))
	}

	leftValue := strings.TrimSpace(interpolate.Expand(left, maps...))
	rightValue := strings.TrimSpace(interpolate.Expand(right, maps...))
	return compare(leftValue, operator, rightValue), nil
}

// splitAtom splits an atom into operands and operator. Returns
// operator "" for boolean literals. The atom's raw (uninterpolated)
// text is inspected, so Check can reject malformed atoms at
// submission time.
func splitAtom(atom string) (left, operator, right string, err error) {
	trimmed := strings.TrimSpace(atom)
	if trimmed == "" {
		return "", "", "", fmt.Errorf("empty condition atom")
	}

	for _, candidate := range comparisonOperators {
		index := strings.Index(trimmed, candidate)
		if index < 0 {
			continue
		}
		left = strings.TrimSpace(trimmed[:index])
		right = strings.TrimSpace(trimmed[index+len(candidate):])
		if left == "" || right == "" {
			return "", "", "", fmt.Errorf("comparison %q is missing an operand", trimmed)
		}
		return left, candidate, right, nil
	}

	if trimmed == "true" || trimmed == "false" || strings.Contains(trimmed, "${") {
		// Literal, or a reference that interpolation resolves at
		// evaluation time.
		return trimmed, "", "", nil
	}
	return "", "", "", fmt.Errorf("condition atom %q is neither a boolean literal nor a comparison", trimmed)
}

// compare applies the operator to two interpolated operands. Both
// parsing as numbers selects numeric comparison; otherwise operands
// compare as strings.
func compare(left, operator, right string) bool {
	leftNumber, leftErr := strconv.ParseFloat(left, 64)
	rightNumber, rightErr := strconv.ParseFloat(right, 64)

	if leftErr == nil && rightErr == nil {
		switch operator {
		case "==":
			return leftNumber == rightNumber
		case "!=":
			return leftNumber != rightNumber
		case ">=":
			return leftNumber >= rightNumber
		case "<=":
			return leftNumber <= rightNumber
		case ">":
			return leftNumber > rightNumber
		case "<":
			return leftNumber < rightNumber
		}
		return false
	}

	comparison := strings.Compare(left, right)
	switch operator {
	case "==":
		return comparison == 0
	case "!=":
		return comparison != 0
	case ">=":
		return comparison >= 0
	case "<=":
		return comparison <= 0
	case ">":
		return comparison > 0
	case "<":
		return comparison < 0
	}
	return false
}
