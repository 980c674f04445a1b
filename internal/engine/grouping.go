package engine

import (
	"fmt"
	"strings"

	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
)

// planBatches turns a resolved schedule into ordered batches. Modules within
// one batch have no dependency relationship and may run concurrently; every
// batch acts as a barrier, so a module always starts strictly after the
// batch containing its dependencies finished. Batches never span phases.
//
// The plan is computed with a wave scan per phase: a module is eligible for
// the current wave when each of its dependencies is already planned into an
// earlier batch or absent from the run. When a scan finds no eligible module
// (a dependency cycle survived resolution, or a dependency points forward
// into a later phase), the remaining modules of the phase are emitted as
// singleton batches in schedule order and the condition is reported as a
// warning. Planning is deterministic: the same schedule always yields the
// same batches.
func planBatches(s *schedule) (batches [][]*scheduledModule, warnings []string) {
	planned := make(map[string]struct{}, len(s.ordered))

	for start := 0; start < len(s.ordered); {
		// Phase buckets are contiguous runs of the schedule.
		end := start
		phase := s.ordered[start].meta.Phase
		for end < len(s.ordered) && s.ordered[end].meta.Phase == phase {
			end++
		}
		remaining := s.ordered[start:end]

		for len(remaining) > 0 {
			wave := make([]*scheduledModule, 0, len(remaining))
			rest := make([]*scheduledModule, 0, len(remaining))
			for _, sm := range remaining {
				if depsSatisfied(sm, planned, s.byID) {
					wave = append(wave, sm)
				} else {
					rest = append(rest, sm)
				}
			}

			if len(wave) == 0 {
				ids := make([]string, len(remaining))
				for i, sm := range remaining {
					ids[i] = sm.meta.ID
				}
				warnings = append(warnings, fmt.Sprintf(
					"no parallel grouping possible for modules [%s] in phase %s; executing them sequentially in schedule order",
					strings.Join(ids, ", "), phase))
				for _, sm := range remaining {
					batches = append(batches, []*scheduledModule{sm})
					planned[sm.meta.ID] = struct{}{}
				}
				break
			}

			batches = append(batches, wave)
			for _, sm := range wave {
				planned[sm.meta.ID] = struct{}{}
			}
			remaining = rest
		}

		start = end
	}

	return batches, warnings
}

// depsSatisfied reports whether every dependency of sm is either already
// planned into an earlier batch or not part of this run. Self references
// are ignored, matching the resolver.
func depsSatisfied(sm *scheduledModule, planned map[string]struct{}, byID map[string]*scheduledModule) bool {
	for _, depID := range sm.meta.DependsOn {
		if depID == sm.meta.ID {
			continue
		}
		if _, present := byID[depID]; !present {
			continue
		}
		if _, done := planned[depID]; !done {
			return false
		}
	}
	return true
}

// batchIDs renders a batch as its member IDs, for logs and events.
func batchIDs(batch []*scheduledModule) []string {
	ids := make([]string, len(batch))
	for i, sm := range batch {
		ids[i] = sm.meta.ID
	}
	return ids
}

// phaseOf returns the shared phase of a planned batch.
func phaseOf(batch []*scheduledModule) module.Phase {
	return batch[0].meta.Phase
}
