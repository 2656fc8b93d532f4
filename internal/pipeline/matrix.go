package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// ExpandMatrix rewrites matrix stages into plain sibling stages, one per
// combination of axis values, prior to scheduling. Each expanded stage is
// named "<stage> [axis=value ...]" and keeps the original stage's steps
// and dependencies. Stages that depended on the matrix stage are rewritten
// to depend on every expanded sibling. Non-matrix stages pass through.
func ExpandMatrix(stages []StageDef) []StageDef {
	expandedNames := make(map[string][]string)
	out := make([]StageDef, 0, len(stages))

	for _, st := range stages {
		if len(st.Matrix) == 0 {
			out = append(out, st)
			continue
		}

		combos := matrixCombinations(st.Matrix)
		names := make([]string, 0, len(combos))
		for _, combo := range combos {
			sibling := st
			sibling.Matrix = nil
			sibling.Name = fmt.Sprintf("%s [%s]", st.Name, combo.label)
			// Expanded siblings see their axis values as parameters
			// through the step condition environment; the stage itself
			// is an ordinary DAG node.
			names = append(names, sibling.Name)
			out = append(out, sibling)
		}
		expandedNames[st.Name] = names
	}

	if len(expandedNames) == 0 {
		return out
	}

	for i := range out {
		var deps []string
		for _, dep := range out[i].DependsOn {
			if siblings, ok := expandedNames[dep]; ok {
				deps = append(deps, siblings...)
			} else {
				deps = append(deps, dep)
			}
		}
		out[i].DependsOn = deps
	}

	return out
}

// MatrixAxisValues parses an expanded stage name back into its axis
// assignments, e.g. "test [go=1.22 os=linux]" -> {go:1.22, os:linux}.
// Returns nil for non-expanded names.
func MatrixAxisValues(stageName string) map[string]string {
	open := strings.LastIndex(stageName, " [")
	if open < 0 || !strings.HasSuffix(stageName, "]") {
		return nil
	}
	inner := stageName[open+2 : len(stageName)-1]
	values := make(map[string]string)
	for _, pair := range strings.Fields(inner) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil
		}
		values[k] = v
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

type matrixCombo struct {
	label string
}

// matrixCombinations produces the cartesian product of the axes with axes
// ordered by name so expansion is deterministic.
func matrixCombinations(matrix map[string][]string) []matrixCombo {
	axes := make([]string, 0, len(matrix))
	for axis := range matrix {
		axes = append(axes, axis)
	}
	sort.Strings(axes)

	labels := []string{""}
	for _, axis := range axes {
		next := make([]string, 0, len(labels)*len(matrix[axis]))
		for _, prefix := range labels {
			for _, value := range matrix[axis] {
				part := axis + "=" + value
				if prefix == "" {
					next = append(next, part)
				} else {
					next = append(next, prefix+" "+part)
				}
			}
		}
		labels = next
	}

	combos := make([]matrixCombo, len(labels))
	for i, l := range labels {
		combos[i] = matrixCombo{label: l}
	}
	return combos
}
