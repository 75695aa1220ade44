// Package chain parses declarative pipeline definitions and compiles them
// into executables that stream their output token by token.
//
// A definition is a JSON tree of nodes drawn from a closed set. Chains are
// "llm_chain" (a prompt template feeding one model) and "sequential_chain"
// (chains run in order, each seeing the outputs of the ones before it).
// Models are "fake", "ollama", "openai" and "huggingface_textgen".
package chain

import (
	"encoding/json"
	"fmt"
)

// Node types.
const (
	TypeLLMChain        = "llm_chain"
	TypeSequentialChain = "sequential_chain"
)

// Model types.
const (
	ModelFake        = "fake"
	ModelOllama      = "ollama"
	ModelOpenAI      = "openai"
	ModelHFTextGen   = "huggingface_textgen"
	defaultOutputKey = "text"
)

// Template formats accepted by PromptSpec.TemplateFormat.
const (
	FormatFString = "f-string"
	FormatJinja2  = "jinja2"
)

// Node is one chain in a parsed definition. The set of implementations is
// closed: *LLMChain and *SequentialChain.
type Node interface {
	// Accept dispatches to the matching Visitor method.
	Accept(v Visitor) error
	// OutputKey names the value this node produces.
	OutputKey() string
}

// Visitor walks a parsed definition. SequentialChain.Accept visits the
// sequential node first, then each child in order.
type Visitor interface {
	VisitLLMChain(n *LLMChain) error
	VisitSequentialChain(n *SequentialChain) error
}

// PromptSpec is a prompt template with its declared variables.
type PromptSpec struct {
	Template       string   `json:"template" yaml:"template"`
	InputVariables []string `json:"input_variables" yaml:"input_variables"`
	TemplateFormat string   `json:"template_format,omitempty" yaml:"template_format,omitempty"`
}

// ModelSpec configures the model behind an LLMChain. Fields not used by a
// model type are ignored.
type ModelSpec struct {
	Type         string   `json:"_type" yaml:"_type"`
	Model        string   `json:"model,omitempty" yaml:"model,omitempty"`
	BaseURL      string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Responses    []string `json:"responses,omitempty" yaml:"responses,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxNewTokens int      `json:"max_new_tokens,omitempty" yaml:"max_new_tokens,omitempty"`
	Stop         []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// LLMChain renders a prompt and sends it to one model.
type LLMChain struct {
	Prompt PromptSpec
	LLM    ModelSpec
	Output string
}

// Accept implements Node.
func (n *LLMChain) Accept(v Visitor) error { return v.VisitLLMChain(n) }

// OutputKey implements Node.
func (n *LLMChain) OutputKey() string { return n.Output }

// SequentialChain runs Chains in order, accumulating their outputs.
type SequentialChain struct {
	Chains          []Node
	InputVariables  []string
	OutputVariables []string
}

// Accept implements Node.
func (n *SequentialChain) Accept(v Visitor) error {
	if err := v.VisitSequentialChain(n); err != nil {
		return err
	}
	for _, c := range n.Chains {
		if err := c.Accept(v); err != nil {
			return err
		}
	}
	return nil
}

// OutputKey implements Node. It is the first declared output variable, or
// the last child's output.
func (n *SequentialChain) OutputKey() string {
	if len(n.OutputVariables) > 0 {
		return n.OutputVariables[0]
	}
	if len(n.Chains) == 0 {
		return defaultOutputKey
	}
	return n.Chains[len(n.Chains)-1].OutputKey()
}

// rawNode is the JSON shape shared by all chain node types.
type rawNode struct {
	Type            string            `json:"_type"`
	Prompt          *PromptSpec       `json:"prompt"`
	LLM             *ModelSpec        `json:"llm"`
	OutputKey       string            `json:"output_key"`
	Chains          []json.RawMessage `json:"chains"`
	InputVariables  []string          `json:"input_variables"`
	OutputVariables []string          `json:"output_variables"`
}

// Parse decodes a JSON definition into a Node tree. Unknown node or model
// types produce a *ConfigError.
func Parse(def json.RawMessage) (Node, error) {
	return parseNode(def, "chain")
}

func parseNode(data json.RawMessage, path string) (Node, error) {
	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, configErrorf("%s: invalid definition: %v", path, err)
	}

	switch raw.Type {
	case TypeLLMChain:
		if raw.Prompt == nil {
			return nil, configErrorf("%s: llm_chain requires a prompt", path)
		}
		if raw.LLM == nil {
			return nil, configErrorf("%s: llm_chain requires an llm", path)
		}
		if err := checkModelType(raw.LLM.Type, path+".llm"); err != nil {
			return nil, err
		}
		if raw.Prompt.TemplateFormat != "" &&
			raw.Prompt.TemplateFormat != FormatFString &&
			raw.Prompt.TemplateFormat != FormatJinja2 {
			return nil, configErrorf("%s.prompt: unsupported template format %q", path, raw.Prompt.TemplateFormat)
		}
		out := raw.OutputKey
		if out == "" {
			out = defaultOutputKey
		}
		return &LLMChain{Prompt: *raw.Prompt, LLM: *raw.LLM, Output: out}, nil

	case TypeSequentialChain:
		if len(raw.Chains) == 0 {
			return nil, configErrorf("%s: sequential_chain requires at least one chain", path)
		}
		seq := &SequentialChain{
			Chains:          make([]Node, 0, len(raw.Chains)),
			InputVariables:  raw.InputVariables,
			OutputVariables: raw.OutputVariables,
		}
		for i, c := range raw.Chains {
			child, err := parseNode(c, fmt.Sprintf("%s.chains[%d]", path, i))
			if err != nil {
				return nil, err
			}
			seq.Chains = append(seq.Chains, child)
		}
		return seq, nil

	case "":
		return nil, configErrorf("%s: missing _type", path)
	default:
		return nil, configErrorf("%s: unsupported chain type %q", path, raw.Type)
	}
}

func checkModelType(t, path string) error {
	switch t {
	case ModelFake, ModelOllama, ModelOpenAI, ModelHFTextGen:
		return nil
	case "":
		return configErrorf("%s: missing _type", path)
	default:
		return configErrorf("%s: unsupported model type %q", path, t)
	}
}

// slotCollector gathers the input slots a definition declares.
type slotCollector struct {
	slots []Slot
}

func (c *slotCollector) add(vars []string) error {
	for _, v := range vars {
		if !IsInputVariable(v) {
			continue
		}
		s, ok := ParseSlot(v)
		if !ok {
			return configErrorf("unknown input key: %s", v)
		}
		c.slots = append(c.slots, s)
	}
	return nil
}

func (c *slotCollector) VisitLLMChain(n *LLMChain) error {
	return c.add(n.Prompt.InputVariables)
}

func (c *slotCollector) VisitSequentialChain(n *SequentialChain) error {
	return c.add(n.InputVariables)
}

// InputSlots returns the slots a definition consumes. Variables not starting
// with "input_" (outputs of earlier chains) are skipped; an unknown "input_"
// variable is a *ConfigError.
func InputSlots(root Node) (SlotSet, error) {
	c := &slotCollector{}
	if err := root.Accept(c); err != nil {
		return nil, err
	}
	return NewSlotSet(c.slots...), nil
}
