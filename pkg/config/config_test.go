package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/saltstep/pkg/config"
	"github.com/andrej220/saltstep/pkg/config/filestore"
	"github.com/andrej220/saltstep/pkg/extract"
)

const partialYAML = `
saltApi:
  endpoint: https://salt.example.com:8000
  user: ops
  eauth: pam
poll:
  step: 2s
extractors:
  cmd.run:
    kind: flat_key
    stdoutKey: stdout
log:
  format: console
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saltstep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, config.Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	store := filestore.New(writeFile(t, partialYAML))
	s, err := config.Load(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, "https://salt.example.com:8000", s.SaltAPI.Endpoint)
	assert.Equal(t, "ops", s.SaltAPI.User)
	assert.Equal(t, 2*time.Second, s.Poll.Step)
	assert.Equal(t, config.Default().Poll.Cap, s.Poll.Cap)
	assert.Equal(t, config.Default().Retry, s.Retry)
	assert.Equal(t, "console", s.Log.Format)

	// file entries are added next to the built-in ones
	assert.Contains(t, s.Extractors, "cmd.run_all")
	assert.Equal(t, extract.Spec{Kind: extract.KindFlatKey, StdoutKey: "stdout"}, s.Extractors["cmd.run"])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"unknown field", "saltApi:\n  passwd: secret\n"},
		{"not yaml", "retry: [1, 2"},
		{"zero attempts", "retry:\n  loginAttempts: 0\n"},
		{"cap below step", "poll:\n  step: 10s\n  cap: 1s\n"},
		{"bad extractor", "extractors:\n  x.y:\n    kind: regex\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"mongo results without uri", "worker:\n  results:\n    kind: mongo\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(context.Background(), filestore.New(writeFile(t, tt.content)))
			assert.Error(t, err)
		})
	}

	_, err := config.Load(context.Background(), filestore.New(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "saltstep.yaml")
	store := filestore.New(path)

	want := config.Default()
	want.SaltAPI.Endpoint = "http://localhost:8000"
	want.Worker.Brokers = []string{"kafka-1:9092", "kafka-2:9092"}
	require.NoError(t, store.Save(context.Background(), want))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := config.Load(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOrchestratorOptions(t *testing.T) {
	s := config.Default()
	s.Retry.LoginAttempts = 7
	s.Poll.Cap = 5 * time.Minute
	opts := s.OrchestratorOptions()
	assert.Equal(t, 7, opts.LoginAttempts)
	assert.Equal(t, 5*time.Minute, opts.PollCap)
	assert.Equal(t, s.HTTP.LogoutTimeout, opts.LogoutTimeout)
}

func TestResilience(t *testing.T) {
	s := config.Default()
	assert.Nil(t, s.Resilience().CircuitBreakerSettings)

	s.Breaker.Enabled = true
	conf := s.Resilience()
	require.NotNil(t, conf.CircuitBreakerSettings)
	assert.Equal(t, s.Retry.Step, conf.Step)
	trip := conf.CircuitBreakerSettings.ReadyToTrip
	assert.False(t, trip(gobreaker.Counts{ConsecutiveFailures: 4}))
	assert.True(t, trip(gobreaker.Counts{ConsecutiveFailures: 5}))
}

func TestExtractorRegistry(t *testing.T) {
	s := config.Default()
	r, err := s.ExtractorRegistry()
	require.NoError(t, err)
	assert.Equal(t, extract.KindFlatKey, r.Lookup("cmd.run_all").Name())
	assert.Equal(t, extract.KindDeepSearch, r.Lookup("state.highstate").Name())
	assert.Equal(t, extract.KindPassthrough, r.Lookup("test.ping").Name())

	s.FallbackExtractor = extract.Spec{}
	r, err = s.ExtractorRegistry()
	require.NoError(t, err)
	assert.Equal(t, extract.KindPassthrough, r.Lookup("grains.items").Name())
}

func TestNewStore(t *testing.T) {
	store, err := config.NewStore(context.Background(), config.FileStore, &config.FileConfig{Path: "x.yaml"})
	require.NoError(t, err)
	assert.IsType(t, &filestore.FileStore{}, store)

	_, err = config.NewStore(context.Background(), config.FileStore, &config.MongoConfig{})
	assert.Error(t, err)

	_, err = config.NewStore(context.Background(), config.StoreType(42), nil)
	assert.ErrorIs(t, err, config.ErrInvalidStoreType)
}
