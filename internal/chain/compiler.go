package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/nikolalohinski/gonja"
	"github.com/nikolalohinski/gonja/config"
	"github.com/nikolalohinski/gonja/nodes"
	"github.com/nikolalohinski/gonja/parser"
	"github.com/slongfield/pyfmt"
)

// Sink receives the observable steps of one invocation.
type Sink interface {
	// OnPrompt is called once, with the rendered prompts, before generation.
	OnPrompt(prompts []string)
	// OnToken is called for every generated fragment of the final output.
	OnToken(text string)
}

// Executable is a compiled pipeline. It is read-only after construction and
// safe for concurrent Invoke calls.
type Executable interface {
	// Invoke runs the pipeline and returns the final output text.
	Invoke(ctx context.Context, inputs map[string]string, sink Sink) (string, error)
}

// Compiler turns a definition into an Executable. Compile reads external
// configuration (API keys) from the process environment.
type Compiler interface {
	Compile(def json.RawMessage) (Executable, error)
}

// DefaultCompiler builds executables for the node types in this package.
type DefaultCompiler struct {
	client *http.Client
}

// NewCompiler returns a compiler whose models share client. A nil client gets
// a default with a generous timeout, since generations can be slow.
func NewCompiler(client *http.Client) *DefaultCompiler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &DefaultCompiler{client: client}
}

// Compile implements Compiler.
func (c *DefaultCompiler) Compile(def json.RawMessage) (Executable, error) {
	root, err := Parse(def)
	if err != nil {
		return nil, err
	}
	r, err := c.build(root)
	if err != nil {
		return nil, err
	}
	return &executable{root: r, outputKey: root.OutputKey()}, nil
}

// runner is the compiled form of a Node.
type runner interface {
	run(ctx context.Context, vars map[string]string, sink Sink, final bool) (map[string]string, error)
}

func (c *DefaultCompiler) build(n Node) (runner, error) {
	switch n := n.(type) {
	case *LLMChain:
		model, err := newModel(n.LLM, c.client)
		if err != nil {
			return nil, err
		}
		tpl, err := newTemplate(n.Prompt)
		if err != nil {
			return nil, err
		}
		return &llmRunner{prompt: tpl, vars: n.Prompt.InputVariables, model: model, output: n.Output}, nil

	case *SequentialChain:
		seq := &sequentialRunner{children: make([]runner, 0, len(n.Chains))}
		for _, child := range n.Chains {
			r, err := c.build(child)
			if err != nil {
				return nil, err
			}
			seq.children = append(seq.children, r)
		}
		return seq, nil
	}
	return nil, configErrorf("unsupported node %T", n)
}

type executable struct {
	root      runner
	outputKey string
}

func (e *executable) Invoke(ctx context.Context, inputs map[string]string, sink Sink) (string, error) {
	outputs, err := e.root.run(ctx, maps.Clone(inputs), &oncePromptSink{Sink: sink}, true)
	if err != nil {
		return "", err
	}
	out, ok := outputs[e.outputKey]
	if !ok {
		return "", fmt.Errorf("chain: output %q not produced", e.outputKey)
	}
	return out, nil
}

// oncePromptSink forwards only the first OnPrompt, so a multi-step chain
// reports a single prompt event.
type oncePromptSink struct {
	Sink
	prompted bool
}

func (s *oncePromptSink) OnPrompt(prompts []string) {
	if s.prompted {
		return
	}
	s.prompted = true
	s.Sink.OnPrompt(prompts)
}

type llmRunner struct {
	prompt template
	vars   []string
	model  Model
	output string
}

func (r *llmRunner) run(ctx context.Context, vars map[string]string, sink Sink, final bool) (map[string]string, error) {
	values := make(map[string]any, len(r.vars))
	for _, name := range r.vars {
		v, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("chain: missing input variable %q", name)
		}
		values[name] = v
	}
	prompt, err := r.prompt.render(values)
	if err != nil {
		return nil, fmt.Errorf("chain: render prompt: %w", err)
	}

	sink.OnPrompt([]string{prompt})
	onToken := func(string) {}
	if final {
		onToken = sink.OnToken
	}
	text, err := r.model.Generate(ctx, prompt, onToken)
	if err != nil {
		return nil, err
	}
	vars[r.output] = text
	return vars, nil
}

// sequentialRunner streams tokens only from its last child; intermediate
// outputs are inputs, not replies.
type sequentialRunner struct {
	children []runner
}

func (r *sequentialRunner) run(ctx context.Context, vars map[string]string, sink Sink, final bool) (map[string]string, error) {
	for i, child := range r.children {
		last := i == len(r.children)-1
		var err error
		vars, err = child.run(ctx, vars, sink, final && last)
		if err != nil {
			return nil, err
		}
	}
	return vars, nil
}

// template renders a prompt from named values.
type template interface {
	render(values map[string]any) (string, error)
}

func newTemplate(spec PromptSpec) (template, error) {
	switch spec.TemplateFormat {
	case "", FormatFString:
		return fstringTemplate(spec.Template), nil
	case FormatJinja2:
		env, err := jinjaEnvironment()
		if err != nil {
			return nil, err
		}
		tpl, err := env.FromString(spec.Template)
		if err != nil {
			return nil, configErrorf("parse jinja2 template: %v", err)
		}
		return jinjaTemplate{tpl: tpl}, nil
	}
	return nil, configErrorf("unsupported template format %q", spec.TemplateFormat)
}

var (
	jinjaOnce sync.Once
	jinjaEnv  *gonja.Environment
	jinjaErr  error
)

// jinjaEnvironment returns the shared jinja2 environment. Statements that
// reach the filesystem are disabled: definitions come from users.
func jinjaEnvironment() (*gonja.Environment, error) {
	jinjaOnce.Do(func() {
		env := gonja.NewEnvironment(config.DefaultConfig, gonja.DefaultLoader)
		for _, kw := range []string{"include", "extends", "import", "from"} {
			if !env.Statements.Exists(kw) {
				continue
			}
			err := env.Statements.Replace(kw, func(*parser.Parser, *parser.Parser) (nodes.Statement, error) {
				return nil, fmt.Errorf("keyword[%s] has been disabled", kw)
			})
			if err != nil {
				jinjaErr = fmt.Errorf("chain: init jinja env: %w", err)
				return
			}
		}
		jinjaEnv = env
	})
	return jinjaEnv, jinjaErr
}

// fstringTemplate uses Python str.format syntax: "Question: {input_text}".
type fstringTemplate string

func (t fstringTemplate) render(values map[string]any) (string, error) {
	return pyfmt.Fmt(string(t), values)
}

type jinjaTemplate struct {
	tpl interface {
		Execute(ctx map[string]any) (string, error)
	}
}

func (t jinjaTemplate) render(values map[string]any) (string, error) {
	return t.tpl.Execute(values)
}
