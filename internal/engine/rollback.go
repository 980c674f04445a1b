package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
)

// rollbackManager tracks every module whose Execute was invoked during a
// run. On abort it undoes them in strict reverse invocation order. The push
// happens immediately before the Execute call, so a module that panics or
// times out mid-flight is still unwound.
type rollbackManager struct {
	mu    sync.Mutex
	stack []*scheduledModule
}

func newRollbackManager() *rollbackManager {
	return &rollbackManager{}
}

func (m *rollbackManager) push(sm *scheduledModule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stack = append(m.stack, sm)
}

// snapshot returns the recorded modules in invocation order.
func (m *rollbackManager) snapshot() []*scheduledModule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*scheduledModule(nil), m.stack...)
}

// rollbackAll walks the recorded modules in reverse and invokes Rollback on
// each, best-effort: a failing or panicking rollback is recorded and the
// walk continues. The caller passes a context detached from the aborted
// run's cancellation so cleanup is not cut short by the very failure that
// triggered it.
func (m *rollbackManager) rollbackAll(ctx context.Context, store state.Store, bus events.Bus, log opflowlog.Logger, operationName string) []error {
	recorded := m.snapshot()
	if len(recorded) == 0 {
		return nil
	}

	bus.Emit(events.Event{
		Type:          events.RollbackStart,
		Timestamp:     time.Now(),
		OperationName: operationName,
		Payload:       map[string]interface{}{"module_count": len(recorded)},
	})

	var rollbackErrs []error
	for i := len(recorded) - 1; i >= 0; i-- {
		sm := recorded[i]
		log.Infof("Rolling back module '%s' (%s)", sm.meta.ID, sm.meta.Name)

		if err := rollbackOne(ctx, sm, store); err != nil {
			rbErr := opflowerrors.NewRollbackError(sm.meta.ID, err)
			rollbackErrs = append(rollbackErrs, rbErr)
			log.Errorf("Rollback failed for module '%s': %v", sm.meta.ID, err)
			bus.Emit(events.Event{
				Type:          events.RollbackModuleFailed,
				Timestamp:     time.Now(),
				OperationName: operationName,
				ModuleID:      sm.meta.ID,
				ModuleName:    sm.meta.Name,
				Payload:       map[string]interface{}{"error": err.Error()},
			})
		}
	}

	bus.Emit(events.Event{
		Type:          events.RollbackEnd,
		Timestamp:     time.Now(),
		OperationName: operationName,
		Payload: map[string]interface{}{
			"module_count": len(recorded),
			"failed_count": len(rollbackErrs),
		},
	})

	return rollbackErrs
}

// rollbackOne invokes a single module's Rollback behind a panic boundary.
func rollbackOne(ctx context.Context, sm *scheduledModule, store state.Store) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rollback panicked: %v", rec)
		}
	}()
	return sm.mod.Rollback(ctx, store)
}
