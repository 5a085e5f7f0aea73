// Package capability records how historical salt-api versions differ and
// resolves a requested version to the nearest known one at or below it.
package capability

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var ErrDuplicateVersion = errors.New("duplicate capability version")

// SubmissionShape selects how a POST /minions response is laid out.
type SubmissionShape int

const (
	// SubmissionFlatArray is [{"return": {"jid": ..., "minions": [...]}}].
	SubmissionFlatArray SubmissionShape = iota
	// SubmissionWrappedArray is {"return": [{"jid": ..., "minions": [...]}]}.
	SubmissionWrappedArray
)

func (s SubmissionShape) String() string {
	switch s {
	case SubmissionFlatArray:
		return "flat-array"
	case SubmissionWrappedArray:
		return "wrapped-array"
	default:
		return fmt.Sprintf("SubmissionShape(%d)", int(s))
	}
}

type Capability struct {
	ID               string
	LoginSuccessCode int
	LoginFailureCode int
	SupportsLogout   bool
	Submission       SubmissionShape
}

var (
	// Legacy salt-api answers a good login with a redirect and has no logout.
	Legacy = Capability{
		ID:               "0.7.5",
		LoginSuccessCode: http.StatusFound,
		LoginFailureCode: http.StatusUnauthorized,
		Submission:       SubmissionFlatArray,
	}
	// Salt2014 is salt-api as merged into salt 2014.1.
	Salt2014 = Capability{
		ID:               "2014.1.0",
		LoginSuccessCode: http.StatusOK,
		LoginFailureCode: http.StatusUnauthorized,
		SupportsLogout:   true,
		Submission:       SubmissionWrappedArray,
	}
)

// NormalizeVersion maps a version string onto a key whose lexical order is
// the version order: "0.9.0" < "0.10.0" < "2014.1.0". Trailing zero
// components are dropped, so "0.8" and "0.8.0" share a key.
func NormalizeVersion(version string) string {
	tokens := strings.FieldsFunc(strings.TrimSpace(version), func(r rune) bool {
		return r == '.' || r == '_'
	})
	for i, t := range tokens {
		if isNumeric(t) {
			if t = strings.TrimLeft(t, "0"); t == "" {
				t = "0"
			}
			tokens[i] = t
		}
	}
	for len(tokens) > 0 && tokens[len(tokens)-1] == "0" {
		tokens = tokens[:len(tokens)-1]
	}
	var b strings.Builder
	for _, t := range tokens {
		// A length prefix orders numbers of any width.
		fmt.Fprintf(&b, "%03d%s.", len(t), t)
	}
	return b.String()
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

type entry struct {
	key string
	cap Capability
}

// Registry is immutable once built and safe for concurrent reads.
type Registry struct {
	entries []entry // descending by key
}

type Builder struct {
	entries []entry
	seen    map[string]string
	err     error
}

func NewBuilder() *Builder {
	return &Builder{seen: make(map[string]string)}
}

func (b *Builder) Register(c Capability) *Builder {
	if b.err != nil {
		return b
	}
	key := NormalizeVersion(c.ID)
	if prev, ok := b.seen[key]; ok {
		b.err = fmt.Errorf("%w: %q collides with %q", ErrDuplicateVersion, c.ID, prev)
		return b
	}
	b.seen[key] = c.ID
	b.entries = append(b.entries, entry{key: key, cap: c})
	return b
}

func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.entries) == 0 {
		return nil, errors.New("capability registry is empty")
	}
	entries := append([]entry(nil), b.entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].key > entries[j].key })
	return &Registry{entries: entries}, nil
}

// Default returns the registry with the two known salt-api conventions.
func Default() *Registry {
	r, err := NewBuilder().Register(Legacy).Register(Salt2014).Build()
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the capability of the nearest known version at or below
// version, or the oldest known one if version predates all of them. An empty
// version resolves to Latest.
func (r *Registry) Get(version string) Capability {
	if strings.TrimSpace(version) == "" {
		return r.Latest()
	}
	key := NormalizeVersion(version)
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].key <= key })
	if i == len(r.entries) {
		return r.entries[len(r.entries)-1].cap
	}
	return r.entries[i].cap
}

func (r *Registry) Latest() Capability {
	return r.entries[0].cap
}

// Versions lists the registered versions, newest first.
func (r *Registry) Versions() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.cap.ID
	}
	return out
}
