package service

import "fmt"

// Table is the immutable, fully-indexed service list plus the live
// mutable records. It is built once at startup (from internal/config) and
// never resized for the life of the process image.
type Table struct {
	Configs []*Config
	Records []*Record
	byName  map[string]int
}

// NewTable builds a Table from configs whose relations are already index
// arrays (internal/config resolves the names), precomputing the five
// propagation arrays used by the target-propagation algebra. It panics on
// a duplicate name, a reflexive relation, or a dependency cycle, so bad
// configuration is rejected at load time rather than discovered mid-run.
func NewTable(configs []*Config) *Table {
	byName := make(map[string]int, len(configs))
	for _, c := range configs {
		if _, dup := byName[c.Name]; dup {
			panic(fmt.Sprintf("gosv: duplicate service name %q", c.Name))
		}
		byName[c.Name] = c.Index
	}

	for _, c := range configs {
		checkReflexive(c.Name, c.Index, c.Needs, "needs")
		checkReflexive(c.Name, c.Index, c.Wants, "wants")
		checkReflexive(c.Name, c.Index, c.Conflicts, "conflicts")
		checkReflexive(c.Name, c.Index, c.Groups, "groups")
	}

	buildPropagationArrays(configs)
	checkNoCycles(configs)

	records := make([]*Record, len(configs))
	for i, c := range configs {
		records[i] = &Record{
			Cfg:    c,
			State:  Down,
			Target: c.InitTarget,
			Dirty:  true,
		}
	}

	return &Table{Configs: configs, Records: records, byName: byName}
}

func checkReflexive(name string, self int, indices []int, relation string) {
	for _, i := range indices {
		if i == self {
			panic(fmt.Sprintf("gosv: service %q has reflexive %s relation", name, relation))
		}
	}
}

// ByName resolves a service name to its table index.
func (t *Table) ByName(name string) (int, bool) {
	i, ok := t.byName[name]
	return i, ok
}

// checkNoCycles verifies that the needs/wants/groups graph used to build
// the propagation closures is acyclic; since the table is built fresh at
// every process start (including re-exec), the check lives here rather
// than in a separate offline validator.
func checkNoCycles(configs []*Config) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(configs))
	var visit func(i int, path []int)
	visit = func(i int, path []int) {
		if color[i] == black {
			return
		}
		if color[i] == gray {
			panic(fmt.Sprintf("gosv: dependency cycle detected at service %q", configs[i].Name))
		}
		color[i] = gray
		next := append(append(append([]int{}, configs[i].Needs...), configs[i].Wants...), configs[i].Groups...)
		for _, j := range next {
			visit(j, append(path, i))
		}
		color[i] = black
	}
	for i := range configs {
		if color[i] == white {
			visit(i, nil)
		}
	}
}

// buildPropagationArrays computes the five precomputed index arrays from
// the four raw relations (needs/wants/conflicts/groups):
//
//   - TargetUpPropagateUp:   transitive closure over needs/wants/groups
//     (and log-sink) — who must also go Up when this service's target goes
//     Up/Once.
//   - TargetUpPropagateDown: transitive conflicts — who must go Down when
//     this service's target goes Up/Once.
//   - TargetDownPropagateDown: transitive reverse needs/wants/groups (and
//     log-sink), i.e. dependents — who must go Down when this service's
//     target goes Down.
//   - PropagateDirty: services whose state should be revisited when this
//     service's state changes (the same dependents as above, plus group
//     members, since either direction can unblock a waiting transition).
//   - StopDependencies: the superset of dependents used by WaitingToStop —
//     anyone who needs/wants/groups-with or logs into this service.
func buildPropagationArrays(configs []*Config) {
	n := len(configs)

	// logSinkOf[i] = j means i logs into j (stdin_pipe), which behaves like
	// an implicit "needs" for propagation purposes: i cannot be usefully Up
	// without j being Up, and j's downward propagation must reach i.
	logSinkOf := make(map[int]int)
	for i, c := range configs {
		if c.Log.Kind == LogService {
			logSinkOf[i] = c.Log.ServiceIdx
		}
	}

	upEdges := make([][]int, n)   // i -> j meaning "i going Up requires/prefers j Up"
	downEdges := make([][]int, n) // reverse of upEdges, i.e. dependents
	conflictEdges := make([][]int, n)

	for i, c := range configs {
		for _, j := range c.Needs {
			upEdges[i] = append(upEdges[i], j)
			downEdges[j] = append(downEdges[j], i)
		}
		for _, j := range c.Wants {
			upEdges[i] = append(upEdges[i], j)
			downEdges[j] = append(downEdges[j], i)
		}
		for _, j := range c.Groups {
			upEdges[i] = append(upEdges[i], j)
			downEdges[j] = append(downEdges[j], i)
		}
		for _, j := range c.Conflicts {
			conflictEdges[i] = append(conflictEdges[i], j)
		}
		if j, ok := logSinkOf[i]; ok {
			upEdges[i] = append(upEdges[i], j)
			downEdges[j] = append(downEdges[j], i)
		}
	}

	for i, c := range configs {
		c.TargetUpPropagateUp = transitiveClosure(upEdges, i)
		c.TargetDownPropagateDown = transitiveClosure(downEdges, i)
		c.PropagateDirty = unionDedup(c.TargetDownPropagateDown, c.Groups)
		c.StopDependencies = c.TargetDownPropagateDown

		// Conflicts propagate down (must go Down) transitively through the
		// conflicting service's own upward dependency set, since bringing a
		// conflicting service up would also bring its dependencies up.
		var conflictClosure []int
		seen := map[int]bool{}
		for _, j := range conflictEdges[i] {
			for _, k := range append([]int{j}, transitiveClosure(upEdges, j)...) {
				if !seen[k] {
					seen[k] = true
					conflictClosure = append(conflictClosure, k)
				}
			}
		}
		c.TargetUpPropagateDown = conflictClosure
	}
}

func transitiveClosure(edges [][]int, start int) []int {
	visited := map[int]bool{}
	var order []int
	var walk func(i int)
	walk = func(i int) {
		for _, j := range edges[i] {
			if !visited[j] {
				visited[j] = true
				order = append(order, j)
				walk(j)
			}
		}
	}
	walk(start)
	return order
}

func unionDedup(a, b []int) []int {
	seen := map[int]bool{}
	var out []int
	for _, x := range a {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	for _, x := range b {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	return out
}
