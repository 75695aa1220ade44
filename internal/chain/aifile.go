package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxAifileVersion is the newest aifile format this build understands.
const MaxAifileVersion = 1

// Aifile is a portable pipeline definition file.
type Aifile struct {
	Name          string            `json:"name"`
	AifileVersion int               `json:"aifileversion"`
	Chain         json.RawMessage   `json:"chain"`
	Greeting      string            `json:"greeting,omitempty"`
	InputLabels   map[string]string `json:"input_labels,omitempty"`
}

// ParseAifile decodes and validates an aifile. YAML is accepted when isYAML is set.
func ParseAifile(data []byte, isYAML bool) (Aifile, error) {
	if isYAML {
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return Aifile{}, configErrorf("aifile: invalid yaml: %v", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return Aifile{}, configErrorf("aifile: convert yaml: %v", err)
		}
		data = converted
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Aifile{}, configErrorf("aifile: invalid json: %v", err)
	}
	for _, name := range []string{"name", "aifileversion", "chain"} {
		if _, ok := fields[name]; !ok {
			return Aifile{}, configErrorf("missing field in aifile: %s", name)
		}
	}

	var a Aifile
	if err := json.Unmarshal(data, &a); err != nil {
		return Aifile{}, configErrorf("aifile: invalid json: %v", err)
	}
	if err := ValidateAifile(a); err != nil {
		return Aifile{}, err
	}
	return a, nil
}

// ValidateAifile checks the version and that the chain parses and declares
// only known input slots.
func ValidateAifile(a Aifile) error {
	if a.AifileVersion > MaxAifileVersion {
		return configErrorf("this aifile requires a newer version of ownAI")
	}
	root, err := Parse(a.Chain)
	if err != nil {
		return err
	}
	if _, err := InputSlots(root); err != nil {
		return err
	}
	return nil
}

// ReadAifile reads and validates an aifile from disk. Files ending in .yaml
// or .yml are decoded as YAML, everything else as JSON.
func ReadAifile(path string) (Aifile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI argument
	if err != nil {
		return Aifile{}, fmt.Errorf("chain: read aifile: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ParseAifile(data, ext == ".yaml" || ext == ".yml")
}

// InputKeys returns the chain's input variables in slot order.
func (a Aifile) InputKeys() ([]string, error) {
	root, err := Parse(a.Chain)
	if err != nil {
		return nil, err
	}
	slots, err := InputSlots(root)
	if err != nil {
		return nil, err
	}
	return slots.Variables(), nil
}
