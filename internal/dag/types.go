package dag

// Graph is a directed graph over integer node ids 0..n-1. Edges point from
// a dependency to its dependent. A Graph is built once and then only read,
// so it carries no lock.
type Graph struct {
	names      []string
	deps       [][]int
	dependents [][]int
}
