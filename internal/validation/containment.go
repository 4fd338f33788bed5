package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/bizflow/pkg/schema"
)

// checkContainment analyses the graph of PARALLEL and LOOP steps and the
// steps they run. A cycle (A runs B, B runs A) would recurse until the depth
// limit, so it is rejected. A step run by more than one container is allowed
// but reported.
func checkContainment(steps []schema.Step) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		known[s.ID] = true
	}

	// children[id] = steps run by id; parents[id] = containers running id.
	children := make(map[string][]string, len(steps))
	parents := make(map[string][]string, len(steps))
	for _, s := range steps {
		var owned []string
		owned = append(owned, s.ParallelSteps...)
		if s.Loop != nil {
			owned = append(owned, s.Loop.Body...)
		}
		seen := make(map[string]bool, len(owned))
		for _, id := range owned {
			if !known[id] || seen[id] {
				continue
			}
			seen[id] = true
			children[s.ID] = append(children[s.ID], id)
			parents[id] = append(parents[id], s.ID)
		}
	}

	// Kahn's algorithm over the containment edges.
	inDegree := make(map[string]int, len(known))
	for id := range known {
		inDegree[id] = len(parents[id])
	}
	queue := make([]string, 0, len(known))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[node] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(known) {
		result.AddError("steps", schema.ErrCodeCycleDetected, "parallel or loop steps contain each other in a cycle")
		return result
	}

	ids := make([]string, 0, len(parents))
	for id, ps := range parents {
		if len(ps) > 1 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		result.AddWarning(fmt.Sprintf("steps[%s]", id), schema.ErrCodeValidation,
			fmt.Sprintf("step %q is run by %d parallel or loop steps", id, len(parents[id])))
	}
	return result
}
