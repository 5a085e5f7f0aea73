// Package saltapi builds salt-api requests and decodes the parts of its
// responses needed to run one job on one minion.
package saltapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/andrej220/saltstep/pkg/capability"
)

const (
	AuthTokenHeader = "X-Auth-Token"

	LoginPath   = "login"
	MinionsPath = "minions"
	JobsPath    = "jobs"
	LogoutPath  = "logout"

	formContentType = "application/x-www-form-urlencoded; charset=UTF-8"
)

var (
	ErrUnexpectedResponse = errors.New("unexpected salt-api response")
	ErrTooManyResults     = errors.New("too many results for job")
)

type Command struct {
	Function string
	Args     []string
}

// Submission is one record of a POST /minions response.
type Submission struct {
	JID     string   `json:"jid"`
	Minions []string `json:"minions"`
}

type JobHandle struct {
	JID    string
	Target string
}

func endpoint(base *url.URL, elem ...string) string {
	return base.JoinPath(elem...).String()
}

func newForm(ctx context.Context, target string, form url.Values, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set(AuthTokenHeader, token)
	}
	return req, nil
}

func newGet(ctx context.Context, target, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(AuthTokenHeader, token)
	return req, nil
}

func NewLoginRequest(ctx context.Context, base *url.URL, user, password, eauth string) (*http.Request, error) {
	form := url.Values{}
	form.Set("username", user)
	form.Set("password", password)
	form.Set("eauth", eauth)
	return newForm(ctx, endpoint(base, LoginPath), form, "")
}

func NewSubmitRequest(ctx context.Context, base *url.URL, token string, cmd Command, target string) (*http.Request, error) {
	form := url.Values{}
	form.Set("fun", cmd.Function)
	form.Set("tgt", target)
	for _, a := range cmd.Args {
		form.Add("arg", a)
	}
	return newForm(ctx, endpoint(base, MinionsPath), form, token)
}

func NewJobRequest(ctx context.Context, base *url.URL, token, jid string) (*http.Request, error) {
	return newGet(ctx, endpoint(base, JobsPath, jid), token)
}

func NewLogoutRequest(ctx context.Context, base *url.URL, token string) (*http.Request, error) {
	return newGet(ctx, endpoint(base, LogoutPath), token)
}

// SubmissionParser decodes a POST /minions body into its records.
type SubmissionParser interface {
	Parse(body []byte) ([]Submission, error)
}

// ParserFor returns the parser matching a capability's submission shape.
func ParserFor(shape capability.SubmissionShape) SubmissionParser {
	if shape == capability.SubmissionFlatArray {
		return flatArrayParser{}
	}
	return wrappedArrayParser{}
}

type flatArrayParser struct{}

func (flatArrayParser) Parse(body []byte) ([]Submission, error) {
	var records []struct {
		Return *Submission `json:"return"`
	}
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	out := make([]Submission, 0, len(records))
	for _, r := range records {
		if r.Return == nil {
			return nil, fmt.Errorf("%w: record without return", ErrUnexpectedResponse)
		}
		out = append(out, *r.Return)
	}
	return out, nil
}

type wrappedArrayParser struct{}

func (wrappedArrayParser) Parse(body []byte) ([]Submission, error) {
	var envelope struct {
		Return []Submission `json:"return"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return envelope.Return, nil
}

// ParseJobResult extracts the raw result of target from a GET /jobs/{jid}
// body. It returns nil while the minion has not answered. A present key
// always yields a value, even an empty one.
func ParseJobResult(body []byte, target string) (*string, error) {
	var envelope struct {
		Return []map[string]json.RawMessage `json:"return"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	switch len(envelope.Return) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: got %d records", ErrTooManyResults, len(envelope.Return))
	}

	raw, ok := envelope.Return[0][target]
	if !ok {
		return nil, nil
	}
	payload, err := rawPayload(raw)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

// rawPayload unquotes a JSON string and keeps any other value as compact JSON.
func rawPayload(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return buf.String(), nil
}
