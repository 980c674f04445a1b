package secrets

import (
	"context"
	"os"

	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1/secrets"
)

// EnvProvider implements the secrets Provider interface, retrieving secrets
// from environment variables. It is the default provider wired by the CLI;
// operation manifests reference its keys through the `secret` template
// function.
type EnvProvider struct{}

// NewEnvProvider creates a new environment variable secrets provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// GetSecret retrieves the value of an environment variable.
// It returns the value and true if the variable is set, otherwise empty
// string and false. Errors are not expected from the environment backend.
func (p *EnvProvider) GetSecret(_ context.Context, key string) (string, bool, error) {
	value, found := os.LookupEnv(key)
	return value, found, nil
}

// Ensure EnvProvider implements the interface
var _ opflow.Provider = (*EnvProvider)(nil)
