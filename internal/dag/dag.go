package dag

import (
	"fmt"
	"sort"
)

// New creates a graph with one node per name. Node ids are the indexes into
// names.
func New(names []string) *Graph {
	return &Graph{
		names:      names,
		deps:       make([][]int, len(names)),
		dependents: make([][]int, len(names)),
	}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.names) }

// AddEdge creates a directed edge from `from` to `to`, meaning `to` depends
// on `from`. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to int) error {
	if from == to {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", g.names[from], g.names[from])
	}
	if from < 0 || from >= len(g.names) {
		return fmt.Errorf("source node not found: %d", from)
	}
	if to < 0 || to >= len(g.names) {
		return fmt.Errorf("destination node not found: %d", to)
	}
	for _, d := range g.deps[to] {
		if d == from {
			return nil
		}
	}
	g.deps[to] = append(g.deps[to], from)
	g.dependents[from] = append(g.dependents[from], to)
	return nil
}

// Dependencies returns the nodes id depends on, in ascending order.
func (g *Graph) Dependencies(id int) []int {
	return sorted(g.deps[id])
}

// Dependents returns the nodes depending on id, in ascending order.
func (g *Graph) Dependents(id int) []int {
	return sorted(g.dependents[id])
}

// DetectCycles checks the graph for cycles. The first cycle found is
// returned as a CyclicDependencyError naming its nodes in edge order, with
// the first node repeated at the end.
func (g *Graph) DetectCycles() error {
	// Classic depth-first search: permanent nodes are fully explored and
	// cycle-free, nodes on the stack are part of the current path.
	permanent := make([]bool, len(g.names))
	onStack := make([]bool, len(g.names))
	var stack []int

	var visit func(n int) []int
	visit = func(n int) []int {
		if permanent[n] {
			return nil
		}
		if onStack[n] {
			start := 0
			for i, s := range stack {
				if s == n {
					start = i
					break
				}
			}
			return append(append([]int(nil), stack[start:]...), n)
		}

		onStack[n] = true
		stack = append(stack, n)
		for _, dependent := range g.Dependents(n) {
			if cycle := visit(dependent); cycle != nil {
				return cycle
			}
		}
		stack = stack[:len(stack)-1]
		onStack[n] = false
		permanent[n] = true
		return nil
	}

	for n := range g.names {
		if cycle := visit(n); cycle != nil {
			names := make([]string, len(cycle))
			for i, c := range cycle {
				names[i] = g.names[c]
			}
			return &CyclicDependencyError{Cycle: names}
		}
	}
	return nil
}

// Layers splits an acyclic graph into topological layers. A node's layer is
// one more than the highest layer among its dependencies; nodes within a
// layer are in ascending id order. The graph must have been checked with
// DetectCycles first.
func (g *Graph) Layers() [][]int {
	layer := make([]int, len(g.names))
	remaining := make([]int, len(g.names))
	var queue []int
	for n := range g.names {
		remaining[n] = len(g.deps[n])
		if remaining[n] == 0 {
			queue = append(queue, n)
		}
	}

	depth := 0
	for len(queue) > 0 {
		var next []int
		for _, n := range queue {
			if layer[n] > depth {
				depth = layer[n]
			}
			for _, d := range g.dependents[n] {
				if layer[n]+1 > layer[d] {
					layer[d] = layer[n] + 1
				}
				remaining[d]--
				if remaining[d] == 0 {
					next = append(next, d)
				}
			}
		}
		queue = next
	}

	if len(g.names) == 0 {
		return nil
	}
	out := make([][]int, depth+1)
	for n := range g.names {
		out[layer[n]] = append(out[layer[n]], n)
	}
	return out
}

func sorted(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}
