package engine

import (
	"testing"

	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSchedule(t *testing.T, mods ...module.Module) *schedule {
	t.Helper()
	s, err := resolveSchedule(mods)
	require.NoError(t, err)
	return s
}

func batchIDLists(batches [][]*scheduledModule) [][]string {
	out := make([][]string, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchIDs(b))
	}
	return out
}

func batchIndexOf(batches [][]string, id string) int {
	for i, b := range batches {
		for _, v := range b {
			if v == id {
				return i
			}
		}
	}
	return -1
}

func TestPlanBatches_IndependentModulesShareBatch(t *testing.T) {
	s := mustSchedule(t,
		stub("a", module.PhaseExecute, 100),
		stub("b", module.PhaseExecute, 100),
		stub("c", module.PhaseExecute, 100, "a", "b"),
	)
	batches, warnings := planBatches(s)
	assert.Empty(t, warnings)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, batchIDLists(batches))
}

func TestPlanBatches_ChainStaysSequential(t *testing.T) {
	s := mustSchedule(t,
		stub("a", module.PhaseExecute, 100),
		stub("b", module.PhaseExecute, 100, "a"),
		stub("c", module.PhaseExecute, 100, "b"),
	)
	batches, warnings := planBatches(s)
	assert.Empty(t, warnings)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, batchIDLists(batches))
}

func TestPlanBatches_EveryModuleExactlyOnce(t *testing.T) {
	s := mustSchedule(t,
		stub("a", module.PhaseExecute, 100),
		stub("b", module.PhaseExecute, 100, "a"),
		stub("c", module.PhaseExecute, 100, "a"),
		stub("d", module.PhaseExecute, 100, "b", "c"),
		stub("e", module.PhaseVerify, 100),
	)
	batches, _ := planBatches(s)

	seen := map[string]int{}
	for _, b := range batches {
		for _, sm := range b {
			seen[sm.meta.ID]++
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}, seen)
}

func TestPlanBatches_DependentsLandInLaterBatches(t *testing.T) {
	s := mustSchedule(t,
		stub("a", module.PhaseExecute, 100),
		stub("b", module.PhaseExecute, 100, "a"),
		stub("c", module.PhaseExecute, 100, "a"),
		stub("d", module.PhaseExecute, 100, "b", "c"),
	)
	batches, _ := planBatches(s)
	lists := batchIDLists(batches)

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, lists)
	for _, sm := range s.ordered {
		for _, dep := range sm.meta.DependsOn {
			if dep == sm.meta.ID {
				continue
			}
			assert.Greater(t, batchIndexOf(lists, sm.meta.ID), batchIndexOf(lists, dep),
				"module %s must run after its dependency %s", sm.meta.ID, dep)
		}
	}
}

func TestPlanBatches_PhasesNeverShareBatch(t *testing.T) {
	// No dependencies anywhere, yet the phase boundary still splits the
	// run into two batches.
	s := mustSchedule(t,
		stub("check-1", module.PhasePreFlight, 100),
		stub("check-2", module.PhasePreFlight, 100),
		stub("apply-1", module.PhaseExecute, 100),
		stub("apply-2", module.PhaseExecute, 100),
	)
	batches, warnings := planBatches(s)
	assert.Empty(t, warnings)
	assert.Equal(t, [][]string{{"check-1", "check-2"}, {"apply-1", "apply-2"}}, batchIDLists(batches))
}

func TestPlanBatches_DanglingDependencyEligibleImmediately(t *testing.T) {
	s := mustSchedule(t,
		stub("a", module.PhaseExecute, 100, "not-declared"),
		stub("b", module.PhaseExecute, 100),
	)
	batches, warnings := planBatches(s)
	assert.Empty(t, warnings)
	assert.Equal(t, [][]string{{"a", "b"}}, batchIDLists(batches))
}

func TestPlanBatches_SelfDependencyEligibleImmediately(t *testing.T) {
	s := mustSchedule(t,
		stub("loop", module.PhaseExecute, 100, "loop"),
	)
	batches, warnings := planBatches(s)
	assert.Empty(t, warnings)
	assert.Equal(t, [][]string{{"loop"}}, batchIDLists(batches))
}

func TestPlanBatches_CycleFallsBackToSingletons(t *testing.T) {
	s := mustSchedule(t,
		stub("a", module.PhaseExecute, 100, "b"),
		stub("b", module.PhaseExecute, 100, "a"),
	)
	batches, warnings := planBatches(s)

	// Neither cycle member ever becomes eligible; both run one at a time
	// in schedule order.
	assert.Equal(t, [][]string{{"a"}, {"b"}}, batchIDLists(batches))
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "sequentially")
}

func TestPlanBatches_CycleFallbackCoversWholePhaseRemainder(t *testing.T) {
	// Once the scan stalls, everything still unplanned in the phase is
	// emitted as singletons, including modules downstream of the cycle.
	s := mustSchedule(t,
		stub("free", module.PhaseExecute, 100),
		stub("a", module.PhaseExecute, 100, "b"),
		stub("b", module.PhaseExecute, 100, "a"),
		stub("after", module.PhaseExecute, 100, "a"),
	)
	batches, warnings := planBatches(s)

	lists := batchIDLists(batches)
	require.NotEmpty(t, lists)
	assert.Equal(t, []string{"free"}, lists[0])
	assert.Equal(t, [][]string{{"free"}, {"a"}, {"b"}, {"after"}}, lists)
	assert.NotEmpty(t, warnings)
}

func TestPlanBatches_LaterPhaseUnaffectedByEarlierCycle(t *testing.T) {
	s := mustSchedule(t,
		stub("a", module.PhaseExecute, 100, "b"),
		stub("b", module.PhaseExecute, 100, "a"),
		stub("v1", module.PhaseVerify, 100),
		stub("v2", module.PhaseVerify, 100),
	)
	batches, warnings := planBatches(s)

	assert.Equal(t, [][]string{{"a"}, {"b"}, {"v1", "v2"}}, batchIDLists(batches))
	require.Len(t, warnings, 1)
}

func TestPlanBatches_Deterministic(t *testing.T) {
	build := func() *schedule {
		return mustSchedule(t,
			stub("a", module.PhaseExecute, 100),
			stub("b", module.PhaseExecute, 50),
			stub("c", module.PhaseExecute, 100, "a", "b"),
			stub("d", module.PhaseVerify, 100, "zz-missing"),
		)
	}
	first, _ := planBatches(build())
	for i := 0; i < 20; i++ {
		again, _ := planBatches(build())
		assert.Equal(t, batchIDLists(first), batchIDLists(again))
	}
}

func TestPlanBatches_EmptySchedule(t *testing.T) {
	batches, warnings := planBatches(mustSchedule(t))
	assert.Empty(t, batches)
	assert.Empty(t, warnings)
}
