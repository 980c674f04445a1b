package engine

import (
	"fmt"
	"sort"
	"strings"

	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
)

// scheduledModule pairs a module with the bookkeeping the resolver and the
// batch planner need: cached metadata and the module's position in the
// operation's declaration list.
type scheduledModule struct {
	mod       module.Module
	meta      module.Metadata
	declIndex int
}

// schedule is the fully ordered execution plan for one operation: a total
// order over all modules (phase position first, then topological order
// within the phase, priority and declaration index as tie-breaks) plus an
// index by module ID.
type schedule struct {
	ordered  []*scheduledModule
	byID     map[string]*scheduledModule
	warnings []string
}

// resolveSchedule validates the module list and produces the execution
// order. It returns a ValidationError for input that cannot be scheduled at
// all: nil modules or duplicate IDs. Dependency references to IDs absent
// from the run are ignored so module sets compose freely. A dependency
// cycle is not an error: the modules trapped in the cycle fall back to
// declaration order and the condition is surfaced as a warning.
func resolveSchedule(modules []module.Module) (*schedule, error) {
	s := &schedule{
		ordered: make([]*scheduledModule, 0, len(modules)),
		byID:    make(map[string]*scheduledModule, len(modules)),
	}

	all := make([]*scheduledModule, 0, len(modules))
	for i, mod := range modules {
		if mod == nil {
			return nil, opflowerrors.NewValidationError(fmt.Sprintf("module at index %d is nil", i), nil)
		}
		meta := mod.Meta()
		if meta.ID == "" {
			return nil, opflowerrors.NewValidationError(fmt.Sprintf("module at index %d has an empty ID", i), nil)
		}
		if _, exists := s.byID[meta.ID]; exists {
			return nil, opflowerrors.NewValidationError(fmt.Sprintf("duplicate module ID '%s'", meta.ID), nil)
		}
		sm := &scheduledModule{mod: mod, meta: meta, declIndex: i}
		s.byID[meta.ID] = sm
		all = append(all, sm)
	}

	// Bucket by phase position, then order each phase independently.
	buckets := make(map[int][]*scheduledModule)
	positions := make([]int, 0, 4)
	for _, sm := range all {
		pos := sm.meta.Phase.Position()
		if _, seen := buckets[pos]; !seen {
			positions = append(positions, pos)
		}
		buckets[pos] = append(buckets[pos], sm)
	}
	sort.Ints(positions)

	for _, pos := range positions {
		ordered, cyclic := orderWithinPhase(buckets[pos])
		if len(cyclic) > 0 {
			ids := make([]string, len(cyclic))
			for i, sm := range cyclic {
				ids[i] = sm.meta.ID
			}
			s.warnings = append(s.warnings, fmt.Sprintf(
				"dependency cycle detected in phase %s involving modules [%s]; falling back to declaration order for them",
				module.Phase(pos), strings.Join(ids, ", ")))
		}
		s.ordered = append(s.ordered, ordered...)
	}

	return s, nil
}

// orderWithinPhase runs Kahn's algorithm over the modules of one phase.
// Only edges between members of the same phase participate: cross-phase
// dependencies are satisfied by phase ordering, and dangling references are
// ignored by contract. Among simultaneously ready modules the one with the
// lowest priority runs first, declaration index breaking remaining ties.
// Modules left with unsatisfied in-phase edges form a cycle; they are
// appended in declaration order and returned separately.
func orderWithinPhase(members []*scheduledModule) (ordered, cyclic []*scheduledModule) {
	inPhase := make(map[string]*scheduledModule, len(members))
	for _, sm := range members {
		inPhase[sm.meta.ID] = sm
	}

	pending := make(map[string]int, len(members))
	dependents := make(map[string][]*scheduledModule)
	for _, sm := range members {
		count := 0
		for _, depID := range sm.meta.DependsOn {
			if depID == sm.meta.ID {
				continue
			}
			if _, ok := inPhase[depID]; !ok {
				continue
			}
			count++
			dependents[depID] = append(dependents[depID], sm)
		}
		pending[sm.meta.ID] = count
	}

	ready := make([]*scheduledModule, 0, len(members))
	for _, sm := range members {
		if pending[sm.meta.ID] == 0 {
			ready = append(ready, sm)
		}
	}

	ordered = make([]*scheduledModule, 0, len(members))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].meta.Priority != ready[j].meta.Priority {
				return ready[i].meta.Priority < ready[j].meta.Priority
			}
			return ready[i].declIndex < ready[j].declIndex
		})

		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, dep := range dependents[next.meta.ID] {
			pending[dep.meta.ID]--
			if pending[dep.meta.ID] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) < len(members) {
		for _, sm := range members {
			if pending[sm.meta.ID] > 0 {
				cyclic = append(cyclic, sm)
			}
		}
		sort.SliceStable(cyclic, func(i, j int) bool {
			return cyclic[i].declIndex < cyclic[j].declIndex
		})
		ordered = append(ordered, cyclic...)
	}

	return ordered, cyclic
}
