package deploy

import (
	"fmt"
	"sort"
)

// startupOrder returns service names in topological order, dependencies
// first, using Kahn's algorithm with sorted tie-breaking so the order is
// deterministic. Cycles are reported as an error.
func startupOrder(services map[string]Service) ([]string, error) {
	inDegree := make(map[string]int, len(services))
	dependents := make(map[string][]string)

	for name := range services {
		inDegree[name] = 0
	}
	for name, svc := range services {
		for _, dep := range svc.DependsOn {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		next := dependents[node]
		sort.Strings(next)
		for _, name := range next {
			inDegree[name]--
			if inDegree[name] == 0 {
				queue = append(queue, name)
			}
		}
	}

	if len(order) != len(services) {
		var stuck []string
		for name, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle involving services %v", stuck)
	}
	return order, nil
}
