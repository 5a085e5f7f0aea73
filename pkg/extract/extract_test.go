package extract

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func code(c int) *int { return &c }

func TestPassthrough(t *testing.T) {
	p := Passthrough{ExitCode: 0}
	result, err := p.Extract("ok")
	if err != nil {
		t.Fatalf("Passthrough failed: %v", err)
	}
	expected := &Result{ExitCode: code(0), Stdout: []string{"ok"}}
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("Passthrough: got %+v, want %+v", result, expected)
	}
	if !result.Successful() {
		t.Errorf("Passthrough: expected success")
	}
}

func TestPassthroughKeepsPayloadWhole(t *testing.T) {
	result, err := Passthrough{ExitCode: 3}.Extract("a\n\nb")
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n\nb"}, result.Stdout)
	assert.False(t, result.Successful())

	result, err = Passthrough{}.Extract("a\n\n  \r\nb\r\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"a\n\n  \r\nb\r\n"}, result.Stdout)

	for _, blank := range []string{"", "  ", "\n\r\n"} {
		result, err = Passthrough{}.Extract(blank)
		require.NoError(t, err)
		assert.Empty(t, result.Stdout, "payload %q", blank)
		assert.True(t, result.Successful())
	}
}

func TestFlatKey(t *testing.T) {
	f := FlatKey{ExitCodeKey: "retcode", StdoutKey: "stdout", StderrKey: "stderr"}
	tests := []struct {
		name     string
		input    string
		expected *Result
	}{
		{
			name:     "success",
			input:    `{"pid": 12, "retcode": 0, "stdout": "line1\nline2", "stderr": ""}`,
			expected: &Result{ExitCode: code(0), Stdout: []string{"line1\nline2"}},
		},
		{
			name:     "float truncation",
			input:    `{"retcode": 2.9, "stdout": "", "stderr": "boom"}`,
			expected: &Result{ExitCode: code(2), Stderr: []string{"boom"}},
		},
		{
			name:     "numeric string",
			input:    `{"retcode": "1", "stdout": 42, "stderr": null}`,
			expected: &Result{ExitCode: code(1), Stdout: []string{"42"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := f.Extract(tt.input)
			if err != nil {
				t.Fatalf("FlatKey failed: %v", err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("FlatKey: got %+v, want %+v", result, tt.expected)
			}
		})
	}
}

func TestFlatKeyErrors(t *testing.T) {
	f := FlatKey{ExitCodeKey: "retcode", StdoutKey: "stdout", StderrKey: "stderr"}
	for _, input := range []string{
		`not json`,
		`null`,
		`["retcode"]`,
		`{"stdout": "", "stderr": ""}`,
		`{"retcode": 0, "stderr": ""}`,
		`{"retcode": 0, "stdout": ""}`,
		`{"retcode": "x", "stdout": "", "stderr": ""}`,
		`{"retcode": true, "stdout": "", "stderr": ""}`,
	} {
		_, err := f.Extract(input)
		assert.ErrorIs(t, err, ErrParse, input)
	}

	// unset keys are not required
	result, err := FlatKey{StdoutKey: "out"}.Extract(`{"out": "x"}`)
	require.NoError(t, err)
	assert.Nil(t, result.ExitCode)
	assert.False(t, result.Successful())
}

const stateReturn = `{
  "file_|-motd_|-/etc/motd_|-managed": {"comment": "File /etc/motd updated", "result": true, "changes": {"diff": "New file"}},
  "pkg_|-vim_|-vim_|-installed": {"Comment": "All specified packages are already installed", "Result": "True"}
}`

func TestDeepSearch(t *testing.T) {
	d := DeepSearch{ExitCodeKey: "result", StdoutKey: "comment"}
	result, err := d.Extract(stateReturn)
	require.NoError(t, err)
	assert.Equal(t, code(0), result.ExitCode)
	assert.Equal(t, []string{"File /etc/motd updated\nAll specified packages are already installed"}, result.Stdout)
	assert.Empty(t, result.Stderr)
}

func TestDeepSearchFailureAndNesting(t *testing.T) {
	d := DeepSearch{ExitCodeKey: "result", StdoutKey: "comment", StderrKey: "error"}
	input := `[{"a": {"result": true, "comment": "ok"}}, {"b": [{"RESULT": "yes", "comment": "meh", "error": ["e1", "e2"]}]}]`
	result, err := d.Extract(input)
	require.NoError(t, err)
	assert.Equal(t, code(1), result.ExitCode)
	assert.Equal(t, []string{"ok\nmeh"}, result.Stdout)
	assert.Equal(t, []string{`["e1","e2"]`}, result.Stderr)
}

func TestDeepSearchMissingKey(t *testing.T) {
	_, err := DeepSearch{ExitCodeKey: "result", StdoutKey: "comment"}.Extract(`{"x": {"result": true}}`)
	assert.ErrorIs(t, err, ErrParse)

	_, err = DeepSearch{ExitCodeKey: "result"}.Extract(`{"x": 1}`)
	assert.ErrorIs(t, err, ErrParse)

	_, err = DeepSearch{ExitCodeKey: "result"}.Extract(`{`)
	assert.ErrorIs(t, err, ErrParse)
}

func TestExtractIsIdempotent(t *testing.T) {
	extractors := []Extractor{
		Passthrough{},
		FlatKey{ExitCodeKey: "retcode", StdoutKey: "stdout", StderrKey: "stderr"},
		DeepSearch{ExitCodeKey: "result", StdoutKey: "comment"},
	}
	inputs := []string{stateReturn, `{"retcode": 0, "stdout": "a", "stderr": "b"}`}
	for _, e := range extractors {
		for _, in := range inputs {
			first, err1 := e.Extract(in)
			second, err2 := e.Extract(in)
			assert.Equal(t, err1, err2, e.Name())
			assert.Equal(t, first, second, e.Name())
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	fallback := Passthrough{ExitCode: 7}
	exact := FlatKey{StdoutKey: "exact"}
	module := FlatKey{StdoutKey: "module"}
	r, err := NewBuilder().
		Register("cmd.run_all", exact).
		Register("cmd", module).
		Fallback(fallback).
		Build()
	require.NoError(t, err)

	assert.Equal(t, exact, r.Lookup("cmd.run_all"))
	assert.Equal(t, module, r.Lookup("cmd.run"))
	assert.Equal(t, fallback, r.Lookup("test.ping"))
	assert.Equal(t, fallback, r.Lookup("cmd"+"run"))
}

func TestRegistryDuplicate(t *testing.T) {
	_, err := NewBuilder().Register("state", Passthrough{}).Register("state", Passthrough{}).Build()
	assert.ErrorIs(t, err, ErrDuplicateFunction)

	_, err = NewBuilder().Register("", Passthrough{}).Build()
	assert.Error(t, err)
}

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, KindFlatKey, r.Lookup("cmd.run_all").Name())
	assert.Equal(t, KindDeepSearch, r.Lookup("state.apply").Name())
	assert.Equal(t, KindPassthrough, r.Lookup("cmd.run").Name())
}

func TestFromSpecs(t *testing.T) {
	r, err := FromSpecs(map[string]Spec{
		"cmd.run_all": {Kind: KindFlatKey, ExitCodeKey: "retcode", StdoutKey: "stdout"},
		"state":       {Kind: KindDeepSearch, ExitCodeKey: "result"},
	}, &Spec{Kind: KindPassthrough, ExitCode: 0})
	require.NoError(t, err)
	assert.Equal(t, FlatKey{ExitCodeKey: "retcode", StdoutKey: "stdout"}, r.Lookup("cmd.run_all"))
	assert.Equal(t, DeepSearch{ExitCodeKey: "result"}, r.Lookup("state.sls"))

	_, err = FromSpecs(map[string]Spec{"x": {Kind: "regex"}}, nil)
	assert.Error(t, err)
}
