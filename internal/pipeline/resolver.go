package pipeline

import "fmt"

// Schedule is the executable form of a pipeline: columns of stage names
// grouped by dependency depth. All stages in a column may run concurrently;
// a column starts only after every prior column settled. Built once per
// build and immutable thereafter, so it is safe to share across goroutines.
type Schedule struct {
	// Columns ordered by ascending depth
	Columns [][]string
	// Edges are (dependency, dependent) pairs; for a sequential pipeline
	// they are the consecutive stage pairs
	Edges [][2]string
	// Dependencies maps a stage to the stages it declared depends_on
	Dependencies map[string][]string
}

// CycleError reports a dependency cycle, naming a stage on the cycle
type CycleError struct {
	Stage string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle through stage %q", e.Stage)
}

// visit states for the iterative depth walk
const (
	unvisited = iota
	visiting
	visited
)

// Resolve turns stage definitions into a Schedule or a CycleError.
//
// depth(stage) = 0 when depends_on is empty, else 1 + max depth of its
// dependencies. Stages are grouped by depth into columns. When no stage
// declares dependencies the pipeline is sequential: one stage per column
// in declaration order, preserving legacy ordering.
//
// Pure and deterministic; callable from multiple goroutines.
func Resolve(stages []StageDef) (*Schedule, error) {
	hasDeps := false
	byName := make(map[string]*StageDef, len(stages))
	for i := range stages {
		st := &stages[i]
		if _, dup := byName[st.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name %q", st.Name)
		}
		byName[st.Name] = st
		if len(st.DependsOn) > 0 {
			hasDeps = true
		}
	}

	if !hasDeps {
		return sequentialSchedule(stages), nil
	}

	depth := make(map[string]int, len(stages))
	state := make(map[string]int, len(stages))

	// Explicit stack instead of recursion: each stage is pushed twice,
	// first to enter (expand dependencies), then to settle its depth once
	// its dependencies have settled. A dependency encountered while still
	// in the visiting state closes a cycle.
	type frame struct {
		name     string
		expanded bool
	}

	for i := range stages {
		root := stages[i].Name
		if state[root] == visited {
			continue
		}

		stack := []frame{{name: root}}
		for len(stack) > 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			st, ok := byName[f.name]
			if !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage", f.name)
			}

			if f.expanded {
				d := 0
				for _, dep := range st.DependsOn {
					if dd := depth[dep] + 1; dd > d {
						d = dd
					}
				}
				depth[f.name] = d
				state[f.name] = visited
				continue
			}

			if state[f.name] == visited {
				continue
			}
			state[f.name] = visiting
			stack = append(stack, frame{name: f.name, expanded: true})

			for _, dep := range st.DependsOn {
				if _, ok := byName[dep]; !ok {
					return nil, fmt.Errorf("stage %q depends on unknown stage %q", f.name, dep)
				}
				switch state[dep] {
				case visiting:
					return nil, &CycleError{Stage: dep}
				case unvisited:
					stack = append(stack, frame{name: dep})
				}
			}
		}
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}

	sched := &Schedule{
		Columns:      make([][]string, maxDepth+1),
		Dependencies: make(map[string][]string, len(stages)),
	}
	// Declaration order within a column
	for i := range stages {
		name := stages[i].Name
		d := depth[name]
		sched.Columns[d] = append(sched.Columns[d], name)
		sched.Dependencies[name] = stages[i].DependsOn
		for _, dep := range stages[i].DependsOn {
			sched.Edges = append(sched.Edges, [2]string{dep, name})
		}
	}

	return sched, nil
}

func sequentialSchedule(stages []StageDef) *Schedule {
	sched := &Schedule{
		Columns:      make([][]string, 0, len(stages)),
		Dependencies: make(map[string][]string, len(stages)),
	}
	for i := range stages {
		sched.Columns = append(sched.Columns, []string{stages[i].Name})
		if i > 0 {
			prev := stages[i-1].Name
			sched.Edges = append(sched.Edges, [2]string{prev, stages[i].Name})
			sched.Dependencies[stages[i].Name] = []string{prev}
		} else {
			sched.Dependencies[stages[i].Name] = nil
		}
	}
	return sched
}

// StageNames returns every stage in the schedule in column order
func (s *Schedule) StageNames() []string {
	var names []string
	for _, col := range s.Columns {
		names = append(names, col...)
	}
	return names
}
