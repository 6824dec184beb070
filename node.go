// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"fmt"
	"slices"
)

// Node records commands for one step of a frame. Record runs synchronously
// on the goroutine calling Run and must not block.
type Node struct {
	// Name identifies the node in errors and in After lists. Unnamed nodes
	// cannot be depended on.
	Name string
	// After names nodes of the same or an earlier submit set that must be
	// recorded before this one.
	After []string
	// Record writes the node's commands.
	Record func(r *Recorder) error
}

// sortNodes orders a submit set so every node follows the nodes it names in
// After. Ties keep registration order. Names in sealed are from earlier sets
// and already satisfied.
func sortNodes(nodes []Node, sealed map[string]bool) ([]Node, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.Name != "" {
			index[n.Name] = i
		}
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		for _, dep := range n.After {
			j, ok := index[dep]
			switch {
			case ok && j == i:
				return nil, fmt.Errorf("%w: node %q depends on itself", ErrTopology, n.Name)
			case ok:
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			case sealed[dep]:
			default:
				return nil, fmt.Errorf("%w: node %q depends on unknown node %q", ErrTopology, n.Name, dep)
			}
		}
	}

	// Kahn's algorithm, always taking the earliest registered ready node.
	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	sorted := make([]Node, 0, len(nodes))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		sorted = append(sorted, nodes[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				at, _ := slices.BinarySearch(ready, j)
				ready = slices.Insert(ready, at, j)
			}
		}
	}

	if len(sorted) != len(nodes) {
		var cycle []string
		for i, d := range indegree {
			if d > 0 {
				cycle = append(cycle, nodes[i].Name)
			}
		}
		return nil, fmt.Errorf("%w: dependency cycle between nodes %q", ErrTopology, cycle)
	}
	return sorted, nil
}
