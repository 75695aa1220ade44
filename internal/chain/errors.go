package chain

import "fmt"

// ConfigError reports a definition the compiler cannot build: an unknown node
// type, a missing field, or missing external configuration such as an API key.
// Configuration errors are deterministic and are never retried.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "chain: " + e.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
