package consistency

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Graph maps a node to the nodes it depends on.
type Graph map[string][]string

// ScheduleGraph builds the dependency graph of milestones and tasks. Edges
// to unknown items are dropped; cross_reference reports those.
func ScheduleGraph(s *Schedule) Graph {
	graph := Graph{}
	for _, m := range s.Milestones {
		if m.ID != "" {
			graph[m.ID] = append(graph[m.ID], m.DependsOn...)
		}
	}
	for _, task := range s.Tasks {
		if task.ID != "" {
			graph[task.ID] = append(graph[task.ID], task.DependsOn...)
		}
	}
	for id, deps := range graph {
		kept := deps[:0:0]
		for _, dep := range deps {
			if _, ok := graph[dep]; ok {
				kept = append(kept, dep)
			}
		}
		graph[id] = kept
	}
	return graph
}

type frame struct {
	node string
	next int
}

// FindCycles runs an iterative depth-first search with an explicit
// recursion stack. Reaching a node that is still on the stack closes a
// cycle. Each cycle is reported once, rotated to start at its smallest
// node and closed by repeating that node.
func FindCycles(graph Graph) [][]string {
	nodes := make([]string, 0, len(graph))
	for id := range graph {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	visited := mapset.NewThreadUnsafeSet[string]()
	onStack := mapset.NewThreadUnsafeSet[string]()
	seen := mapset.NewThreadUnsafeSet[string]()
	var cycles [][]string

	for _, root := range nodes {
		if visited.Contains(root) {
			continue
		}
		stack := []frame{{node: root}}
		path := []string{root}
		visited.Add(root)
		onStack.Add(root)

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := graph[top.node]
			if top.next >= len(deps) {
				onStack.Remove(top.node)
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
				continue
			}
			dep := deps[top.next]
			top.next++

			switch {
			case onStack.Contains(dep):
				cycle := closeCycle(path, dep)
				key := strings.Join(cycle, "\x00")
				if !seen.Contains(key) {
					seen.Add(key)
					cycles = append(cycles, cycle)
				}
			case !visited.Contains(dep):
				visited.Add(dep)
				onStack.Add(dep)
				stack = append(stack, frame{node: dep})
				path = append(path, dep)
			}
		}
	}
	return cycles
}

// closeCycle extracts the cycle from the current path back to dep and
// normalises its rotation.
func closeCycle(path []string, dep string) []string {
	start := len(path) - 1
	for start >= 0 && path[start] != dep {
		start--
	}
	loop := append([]string(nil), path[start:]...)

	minIdx := 0
	for i, id := range loop {
		if id < loop[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]string, 0, len(loop)+1)
	rotated = append(rotated, loop[minIdx:]...)
	rotated = append(rotated, loop[:minIdx]...)
	return append(rotated, rotated[0])
}
