package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCommand(strings.NewReader(""))

	want := []string{"serve", "worker", "migrate", "add-user", "set-password", "add-pipeline", "add-knowledge", "ingest", "genkey"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	assert.True(t, worker.Hidden, "worker is an internal command")
}

func TestRootCommandRejectsBadLogLevel(t *testing.T) {
	root := newRootCommand(strings.NewReader(""))
	root.SetArgs([]string{"--log-level", "loud", "add-pipeline", "x.aifile"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestCommandArgumentValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"add-user without name", []string{"add-user"}},
		{"add-pipeline without files", []string{"add-pipeline"}},
		{"ingest without files", []string{"ingest", "1"}},
		{"serve with args", []string{"serve", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand(strings.NewReader(""))
			root.SetArgs(tt.args)
			root.SetOut(&bytes.Buffer{})
			root.SetErr(&bytes.Buffer{})
			assert.Error(t, root.Execute())
		})
	}
}

func TestPipelineFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: Helper
aifileversion: 1
greeting: Hi!
input_labels:
  input_text: Question
chain:
  _type: llm_chain
  prompt:
    template: "Q: {input_text}"
    input_variables: [input_text]
  llm:
    _type: fake
    responses: [hi]
`), 0o600))

	p, err := pipelineFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Helper", p.Name)
	assert.Equal(t, "Hi!", p.Greeting)
	assert.Equal(t, []string{"input_text"}, p.InputKeys)
	assert.Equal(t, "Question", p.InputLabels["input_text"])
	assert.False(t, p.IsPublic)

	_, err = pipelineFromFile(filepath.Join(dir, "missing.aifile"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.aifile")
}

func TestPasswordFromFlagOrStdin(t *testing.T) {
	newCmd := func() *cobra.Command {
		cmd := &cobra.Command{}
		cmd.SetErr(&bytes.Buffer{})
		return cmd
	}

	pw := passwordFlags{password: "correct horse battery"}
	got, err := pw.read(newCmd(), strings.NewReader("ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "correct horse battery", got)

	pw = passwordFlags{}
	got, err = pw.read(newCmd(), strings.NewReader("from standard input\r\nsecond line\n"))
	require.NoError(t, err)
	assert.Equal(t, "from standard input", got)

	got, err = pw.read(newCmd(), strings.NewReader("no trailing newline"))
	require.NoError(t, err)
	assert.Equal(t, "no trailing newline", got)

	_, err = pw.read(newCmd(), strings.NewReader("short\n"))
	assert.Error(t, err, "passwords below the minimum length are rejected")
}

func TestGenkeyCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	var out bytes.Buffer

	root := newRootCommand(strings.NewReader(""))
	root.SetArgs([]string{"genkey", "--dir", dir})
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "OWNAI_JWT_PRIVATE_KEY="+filepath.Join(dir, "jwt_private.pem"))

	root = newRootCommand(strings.NewReader(""))
	root.SetArgs([]string{"genkey", "--dir", dir})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
