// Package overlay applies scoped, reversible changes to the process environment.
//
// Pipeline construction reads provider credentials (OPENAI_API_KEY and friends)
// from the environment. An overlay sets a caller's secrets for exactly the
// duration of one build and then puts every touched key back the way it was.
package overlay

import (
	"os"
	"slices"
	"strings"
)

// entry is the prior state of one environment key.
type entry struct {
	key     string
	value   string
	present bool
}

// Snapshot records the values of a set of keys before an overlay touched them.
type Snapshot struct {
	entries []entry
}

// Capture records the current state of every key in values. Keys are captured
// in sorted order so that Restore is deterministic.
func Capture(values map[string]string) Snapshot {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	s := Snapshot{entries: make([]entry, 0, len(keys))}
	for _, k := range keys {
		v, ok := os.LookupEnv(k)
		s.entries = append(s.entries, entry{key: k, value: v, present: ok})
	}
	return s
}

// Restore reinstates the captured values, unsetting keys that were absent.
// Errors from the environment calls are collected and the first is returned;
// every key is still attempted.
func (s Snapshot) Restore() error {
	var firstErr error
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		var err error
		if e.present {
			err = os.Setenv(e.key, e.value)
		} else {
			err = os.Unsetenv(e.key)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Keys returns the captured key names.
func (s Snapshot) Keys() []string {
	keys := make([]string, len(s.entries))
	for i, e := range s.entries {
		keys[i] = e.key
	}
	return keys
}

// With sets values in the process environment, runs body, and restores the
// previous environment on every exit path, including a panic in body. The
// panic is re-raised after the environment has been restored.
//
// Nested calls compose: an inner With restores the state the outer one left.
// With does not serialize concurrent callers; the caller holds whatever lock
// guards the code that reads the environment.
func With[T any](values map[string]string, body func() (T, error)) (result T, err error) {
	snap := Capture(values)
	defer func() {
		if rerr := snap.Restore(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	for _, k := range snap.Keys() {
		if serr := os.Setenv(k, values[k]); serr != nil {
			var zero T
			return zero, serr
		}
	}
	return body()
}

// Environ merges values over base, an os.Environ style KEY=VALUE slice, and
// returns a new slice. Existing keys are replaced in place; new keys are
// appended in sorted order.
func Environ(base []string, values map[string]string) []string {
	out := make([]string, 0, len(base)+len(values))
	seen := make(map[string]bool, len(values))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := values[k]; ok {
			out = append(out, k+"="+v)
			seen[k] = true
			continue
		}
		out = append(out, kv)
	}

	rest := make([]string, 0, len(values))
	for k := range values {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	for _, k := range rest {
		out = append(out, k+"="+values[k])
	}
	return out
}
