package store

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidateTaskDAG checks that depends_on edges over the given task ids form
// a DAG and returns a topological order.
func ValidateTaskDAG(taskIDs []int, dependsOn map[int][]int) ([]int, error) {
	return validateDAG(taskIDs, dependsOn)
}

// validateDAG uses Kahn's algorithm for topological sort.
// On cycle detection, uses DFS to find and report the cycle path.
func validateDAG(nodeIDs []int, edges map[int][]int) ([]int, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	nodeSet := make(map[int]bool, len(nodeIDs))
	for _, n := range nodeIDs {
		nodeSet[n] = true
	}

	// Build in-degree map and forward adjacency (dependency → dependent)
	inDegree := make(map[int]int, len(nodeIDs))
	forward := make(map[int][]int)
	for _, n := range nodeIDs {
		inDegree[n] = 0
	}

	for node, deps := range edges {
		for _, dep := range deps {
			if !nodeSet[dep] {
				continue // unknown refs are caught by other validation
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	// Kahn's algorithm
	var queue []int
	for _, n := range nodeIDs {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	var sorted []int
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(nodeIDs) {
		return sorted, nil
	}

	// Cycle detected: find cycle path via DFS
	cyclePath := findCyclePath(nodeIDs, edges, inDegree)
	return nil, fmt.Errorf("circular dependency detected: %s", formatCycle(cyclePath))
}

// findCyclePath finds a cycle path among nodes with non-zero in-degree.
func findCyclePath(nodeIDs []int, edges map[int][]int, inDegree map[int]int) []int {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[int]int)
	parent := make(map[int]int)

	var cyclePath []int

	var dfs func(node int) bool
	dfs = func(node int) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				// Found cycle: reconstruct path
				cyclePath = []int{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				// Reverse to get forward order
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	// Start DFS from nodes still in the cycle (non-zero in-degree)
	for _, n := range nodeIDs {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return cyclePath
			}
		}
	}

	return nil
}

func formatCycle(path []int) string {
	if len(path) == 0 {
		return "(cycle detected)"
	}
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, " -> ")
}
