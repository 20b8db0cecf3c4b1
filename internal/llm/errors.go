package llm

import (
	"errors"
	"fmt"
)

// ConfigurationError means the engine cannot build a provider client
// from the effective configuration (missing credentials or endpoint,
// unknown provider). The agent stays uninitialized and every query
// fails immediately without a network attempt.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %q not usable: %s", e.Provider, e.Reason)
}

// ProviderCallError is a provider/network failure that survived all
// retry attempts.
type ProviderCallError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider %s call failed after %d attempts: %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
