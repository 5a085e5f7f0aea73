package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	KindPassthrough = "passthrough"
	KindFlatKey     = "flat_key"
	KindDeepSearch  = "deep_search"
)

// Passthrough reports a fixed exit code and the payload as stdout.
type Passthrough struct {
	ExitCode int
}

func (p Passthrough) Name() string { return KindPassthrough }

func (p Passthrough) Extract(raw string) (*Result, error) {
	r := &Result{}
	r.SetExitCode(p.ExitCode)
	r.AddStdout(raw)
	return r, nil
}

// FlatKey reads a flat JSON object. Each non-empty key must be present.
type FlatKey struct {
	ExitCodeKey string
	StdoutKey   string
	StderrKey   string
}

func (f FlatKey) Name() string { return KindFlatKey }

func (f FlatKey) Extract(raw string) (*Result, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrParse)
	}
	r := &Result{}
	if f.ExitCodeKey != "" {
		v, ok := m[f.ExitCodeKey]
		if !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrParse, f.ExitCodeKey)
		}
		code, err := toExitCode(v)
		if err != nil {
			return nil, err
		}
		r.SetExitCode(code)
	}
	if f.StdoutKey != "" {
		v, ok := m[f.StdoutKey]
		if !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrParse, f.StdoutKey)
		}
		r.AddStdout(stringify(v))
	}
	if f.StderrKey != "" {
		v, ok := m[f.StderrKey]
		if !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrParse, f.StderrKey)
		}
		r.AddStderr(stringify(v))
	}
	return r, nil
}

// toExitCode truncates through float64, so 1.9 and "1.9" both give 1.
func toExitCode(v any) (int, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: exit code %q is not numeric", ErrParse, n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: exit code %v is not numeric", ErrParse, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: exit code %v out of range", ErrParse, f)
	}
	return int(math.Trunc(f)), nil
}

// DeepSearch collects every value stored under a key, at any depth, with
// keys compared case-insensitively. The exit code is 0 only if every value
// found under ExitCodeKey is the string "true", ignoring case.
type DeepSearch struct {
	ExitCodeKey string
	StdoutKey   string
	StderrKey   string
}

func (d DeepSearch) Name() string { return KindDeepSearch }

func (d DeepSearch) Extract(raw string) (*Result, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	r := &Result{}
	if d.ExitCodeKey != "" {
		values, err := collectRequired(doc, d.ExitCodeKey)
		if err != nil {
			return nil, err
		}
		code := 0
		for _, v := range values {
			if !strings.EqualFold(stringify(v), "true") {
				code = 1
				break
			}
		}
		r.SetExitCode(code)
	}
	if d.StdoutKey != "" {
		values, err := collectRequired(doc, d.StdoutKey)
		if err != nil {
			return nil, err
		}
		r.AddStdout(joinValues(values))
	}
	if d.StderrKey != "" {
		values, err := collectRequired(doc, d.StderrKey)
		if err != nil {
			return nil, err
		}
		r.AddStderr(joinValues(values))
	}
	return r, nil
}

// joinValues puts every non-blank match on its own line.
func joinValues(values []any) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if s := stringify(v); strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

func collectRequired(doc any, key string) ([]any, error) {
	values := collect(doc, key, nil)
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no value found for key %q", ErrParse, key)
	}
	return values, nil
}

// collect walks objects in sorted key order so repeated runs agree.
func collect(node any, key string, out []any) []any {
	switch n := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(n))
		for k := range n {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if strings.EqualFold(k, key) {
				out = append(out, n[k])
				continue
			}
			out = collect(n[k], key, out)
		}
	case []any:
		for _, item := range n {
			out = collect(item, key, out)
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Spec describes an extractor in configuration files.
type Spec struct {
	Kind        string `yaml:"kind" json:"kind" bson:"kind" validate:"required,oneof=passthrough flat_key deep_search"`
	ExitCode    int    `yaml:"exitCode,omitempty" json:"exitCode,omitempty" bson:"exitCode,omitempty"`
	ExitCodeKey string `yaml:"exitCodeKey,omitempty" json:"exitCodeKey,omitempty" bson:"exitCodeKey,omitempty"`
	StdoutKey   string `yaml:"stdoutKey,omitempty" json:"stdoutKey,omitempty" bson:"stdoutKey,omitempty"`
	StderrKey   string `yaml:"stderrKey,omitempty" json:"stderrKey,omitempty" bson:"stderrKey,omitempty"`
}

func (s Spec) Extractor() (Extractor, error) {
	switch s.Kind {
	case KindPassthrough:
		return Passthrough{ExitCode: s.ExitCode}, nil
	case KindFlatKey:
		return FlatKey{ExitCodeKey: s.ExitCodeKey, StdoutKey: s.StdoutKey, StderrKey: s.StderrKey}, nil
	case KindDeepSearch:
		return DeepSearch{ExitCodeKey: s.ExitCodeKey, StdoutKey: s.StdoutKey, StderrKey: s.StderrKey}, nil
	default:
		return nil, fmt.Errorf("unknown extractor kind %q", s.Kind)
	}
}

// FromSpecs builds a registry from configuration. A nil fallback keeps
// Passthrough with exit code 0.
func FromSpecs(specs map[string]Spec, fallback *Spec) (*Registry, error) {
	b := NewBuilder()
	functions := make([]string, 0, len(specs))
	for fn := range specs {
		functions = append(functions, fn)
	}
	sort.Strings(functions)
	for _, fn := range functions {
		e, err := specs[fn].Extractor()
		if err != nil {
			return nil, fmt.Errorf("extractor for %q: %w", fn, err)
		}
		b.Register(fn, e)
	}
	if fallback != nil {
		e, err := fallback.Extractor()
		if err != nil {
			return nil, fmt.Errorf("fallback extractor: %w", err)
		}
		b.Fallback(e)
	}
	return b.Build()
}
