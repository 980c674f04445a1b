// Package setfact implements the built-in module type that publishes fixed
// key-value pairs ("facts") into the operation context, where later modules
// read them. Rollback restores each key to its pre-execution state: the
// previous value if one existed, otherwise removal.
package setfact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opflow-labs/opflow/internal/paramutil"
	"github.com/opflow-labs/opflow/internal/registry"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
)

// priorValue remembers what a context key held before this module touched it.
type priorValue struct {
	value   interface{}
	existed bool
}

// Module publishes declared facts into the operation context on execution.
type Module struct {
	module.Base

	meta  module.Metadata
	log   opflowlog.Logger
	facts map[string]interface{}

	// prior is captured during Execute and consumed by Rollback. The engine
	// never runs the two concurrently for one module.
	prior map[string]priorValue
}

var _ module.Module = (*Module)(nil)

// NewFactory returns the registry factory for the set_fact module type.
func NewFactory() registry.Factory {
	return func(bc registry.BuildContext) (module.Module, error) {
		if len(bc.RollbackParams) > 0 {
			return nil, opflowerrors.NewValidationError("set_fact does not accept rollback_params; rollback is implicit", nil)
		}
		if err := paramutil.CheckAllowed(bc.Params, []string{"facts"}); err != nil {
			return nil, err
		}
		facts, err := paramutil.GetRequiredMap(bc.Params, "facts")
		if err != nil {
			return nil, err
		}
		if len(facts) == 0 {
			return nil, opflowerrors.NewValidationError("parameter 'facts' must contain at least one entry", nil)
		}
		for key := range facts {
			if strings.TrimSpace(key) == "" {
				return nil, opflowerrors.NewValidationError("fact keys cannot be empty", nil)
			}
		}

		return &Module{
			meta:  bc.Meta,
			log:   bc.Log,
			facts: facts,
		}, nil
	}
}

func (m *Module) Meta() module.Metadata { return m.meta }

func (m *Module) Execute(ctx context.Context, octx state.Store) (*module.Result, error) {
	keys := m.factKeys()

	if ctx.Value(module.DryRunKey{}) == true {
		m.log.Infof("Dry-run: would set fact(s): %s", strings.Join(keys, ", "))
		return module.NewSuccessResult(fmt.Sprintf("dry-run: would set %d fact(s): %s", len(keys), strings.Join(keys, ", ")), nil), nil
	}

	// Snapshot what each key held so Rollback can put it back.
	m.prior = make(map[string]priorValue, len(m.facts))
	for key := range m.facts {
		if value, ok := octx.Get(key); ok {
			m.prior[key] = priorValue{value: value, existed: true}
		} else {
			m.prior[key] = priorValue{}
		}
	}

	data := make(map[string]interface{}, len(m.facts))
	for key, value := range m.facts {
		data[key] = value
	}

	m.log.Debugf("Setting fact(s): %s", strings.Join(keys, ", "))
	return module.NewSuccessResult(fmt.Sprintf("set %d fact(s): %s", len(keys), strings.Join(keys, ", ")), data), nil
}

// Rollback restores every touched key to its captured pre-execution state.
func (m *Module) Rollback(ctx context.Context, octx state.Store) error {
	if ctx.Value(module.DryRunKey{}) == true {
		m.log.Infof("Dry-run: would restore fact(s): %s", strings.Join(m.factKeys(), ", "))
		return nil
	}
	if m.prior == nil {
		return nil
	}

	var problems []string
	for key, prev := range m.prior {
		var err error
		if prev.existed {
			err = octx.Set(key, prev.value)
		} else {
			err = octx.Delete(key)
			if errors.Is(err, state.ErrKeyNotFound) {
				// The fact never reached the context (merge aborted), so
				// there is nothing to remove.
				err = nil
			}
		}
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("restoring fact(s) failed: %s", strings.Join(problems, "; "))
	}

	m.log.Debugf("Restored fact(s): %s", strings.Join(m.factKeys(), ", "))
	return nil
}

func (m *Module) factKeys() []string {
	keys := make([]string, 0, len(m.facts))
	for key := range m.facts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
