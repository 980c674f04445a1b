package config

// ContextAccessMode selects how modules read values from the shared
// operation context. It is a typed string to enforce valid values.
type ContextAccessMode string

const (
	// ContextAccessDeepCopy (default) hands every module a deep copy of
	// the value it reads, so no module can mutate shared state through a
	// map or slice reference.
	ContextAccessDeepCopy ContextAccessMode = "deep_copy"

	// ContextAccessUnsafeDirectReference hands out direct references.
	// Fastest, but a misbehaving module can corrupt the shared context.
	// Only for trusted module sets on hot paths.
	ContextAccessUnsafeDirectReference ContextAccessMode = "unsafe_direct_reference"
)

// ContextPolicy defines how an operation's modules interact with the shared
// context store.
type ContextPolicy struct {
	// AccessMode controls reads from the context store. Valid values are
	// "deep_copy" and "unsafe_direct_reference"; unset means deep_copy.
	AccessMode ContextAccessMode `yaml:"access_mode,omitempty" json:"access_mode,omitempty"`
}

// EffectiveAccessMode resolves the manifest's access mode, applying the
// deep-copy default.
func (m *Manifest) EffectiveAccessMode() ContextAccessMode {
	if m.ContextPolicy != nil && m.ContextPolicy.AccessMode != "" {
		return m.ContextPolicy.AccessMode
	}
	return ContextAccessDeepCopy
}
