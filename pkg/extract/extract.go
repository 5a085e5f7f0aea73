// Package extract turns a minion's raw job payload into an exit code plus
// stdout and stderr lines, with extractors selected by salt function name.
package extract

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrParse             = errors.New("cannot parse job result")
	ErrDuplicateFunction = errors.New("duplicate extractor registration")
)

// Result is built incrementally; blank entries never make it in.
type Result struct {
	ExitCode *int
	Stdout   []string
	Stderr   []string
}

func (r *Result) SetExitCode(code int) {
	r.ExitCode = &code
}

// AddStdout appends text as one entry unless it is blank.
func (r *Result) AddStdout(text string) {
	r.Stdout = appendEntry(r.Stdout, text)
}

// AddStderr appends text as one entry unless it is blank.
func (r *Result) AddStderr(text string) {
	r.Stderr = appendEntry(r.Stderr, text)
}

// Successful reports an exit code of exactly zero.
func (r *Result) Successful() bool {
	return r.ExitCode != nil && *r.ExitCode == 0
}

func appendEntry(dst []string, text string) []string {
	if strings.TrimSpace(text) == "" {
		return dst
	}
	return append(dst, text)
}

// Extractor defines the interface for converting a raw payload.
type Extractor interface {
	Extract(raw string) (*Result, error)
	Name() string
}

// Registry maps salt functions to extractors. It is immutable once built.
type Registry struct {
	extractors map[string]Extractor
	fallback   Extractor
}

type Builder struct {
	extractors map[string]Extractor
	fallback   Extractor
	err        error
}

func NewBuilder() *Builder {
	return &Builder{extractors: make(map[string]Extractor), fallback: Passthrough{}}
}

// Register binds a "module.function" or a whole "module" to e.
func (b *Builder) Register(function string, e Extractor) *Builder {
	if b.err != nil {
		return b
	}
	function = strings.TrimSpace(function)
	if function == "" || e == nil {
		b.err = fmt.Errorf("extractor registration needs a function and an extractor")
		return b
	}
	if _, exists := b.extractors[function]; exists {
		b.err = fmt.Errorf("%w: %q", ErrDuplicateFunction, function)
		return b
	}
	b.extractors[function] = e
	return b
}

// Fallback sets the extractor used when nothing matches.
func (b *Builder) Fallback(e Extractor) *Builder {
	if e != nil {
		b.fallback = e
	}
	return b
}

func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	m := make(map[string]Extractor, len(b.extractors))
	for k, v := range b.extractors {
		m[k] = v
	}
	return &Registry{extractors: m, fallback: b.fallback}, nil
}

// Default registers the extractors for the usual execution modules.
func Default() *Registry {
	flat := FlatKey{ExitCodeKey: "retcode", StdoutKey: "stdout", StderrKey: "stderr"}
	r, err := NewBuilder().
		Register("cmd.run_all", flat).
		Register("cmd.script", flat).
		Register("state", DeepSearch{ExitCodeKey: "result", StdoutKey: "comment"}).
		Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup tries the exact function, then its module, then the fallback.
func (r *Registry) Lookup(function string) Extractor {
	if e, ok := r.extractors[function]; ok {
		return e
	}
	if module, _, found := strings.Cut(function, "."); found {
		if e, ok := r.extractors[module]; ok {
			return e
		}
	}
	return r.fallback
}
