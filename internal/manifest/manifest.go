// Package manifest validates the kernel dependency graph and produces the
// order in which kernels must run on each candle.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDuplicate    = errors.New("duplicate kernel name")
	ErrUnknownRef   = errors.New("unknown kernel reference")
	ErrEdgeMismatch = errors.New("producer/consumer edge mismatch")
	ErrCycle        = errors.New("dependency cycle")
)

// Entry declares one kernel and its edges. DependsOn lists producers whose
// output this kernel reads; Consumers lists kernels that read its output.
// Both sides of every edge must be declared.
type Entry struct {
	Name      string
	DependsOn []string
	Consumers []string
}

// Validate checks the graph and returns kernel names in dependency order.
// Among kernels that become runnable together, declaration order wins.
func Validate(entries []Entry) ([]string, error) {
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("manifest entry %d: empty name", i)
		}
		if _, ok := index[e.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, e.Name)
		}
		index[e.Name] = i
	}

	for _, e := range entries {
		for _, dep := range e.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownRef, e.Name, dep)
			}
			if !contains(entries[j].Consumers, e.Name) {
				return nil, fmt.Errorf("%w: %s depends on %s but %s does not list it as consumer",
					ErrEdgeMismatch, e.Name, dep, dep)
			}
		}
		for _, c := range e.Consumers {
			j, ok := index[c]
			if !ok {
				return nil, fmt.Errorf("%w: %s lists consumer %s", ErrUnknownRef, e.Name, c)
			}
			if !contains(entries[j].DependsOn, e.Name) {
				return nil, fmt.Errorf("%w: %s lists consumer %s but %s does not depend on it",
					ErrEdgeMismatch, e.Name, c, c)
			}
		}
	}

	// Kahn's algorithm over producer → consumer edges.
	indeg := make([]int, len(entries))
	for i, e := range entries {
		indeg[i] = len(dedup(e.DependsOn))
	}
	ready := make([]int, 0, len(entries))
	for i := range entries {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]string, 0, len(entries))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		order = append(order, entries[i].Name)
		for _, c := range dedup(entries[i].Consumers) {
			j := index[c]
			indeg[j]--
			if indeg[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(order) != len(entries) {
		path := findCycle(entries, index, indeg)
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
	}
	return order, nil
}

// findCycle walks dependency edges among the nodes Kahn could not drain and
// returns the first closed path it meets.
func findCycle(entries []Entry, index map[string]int, indeg []int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	color := make([]int, len(entries))
	var stack []string
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = onStack
		stack = append(stack, entries[i].Name)
		for _, dep := range entries[i].DependsOn {
			j := index[dep]
			switch color[j] {
			case onStack:
				start := 0
				for k, n := range stack {
					if n == dep {
						start = k
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = done
		return false
	}

	for i := range entries {
		if indeg[i] > 0 && color[i] == unvisited {
			if visit(i) {
				return cycle
			}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedup(list []string) []string {
	if len(list) < 2 {
		return list
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
