// Package config holds saltstep's settings and the stores they load from.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"

	"github.com/andrej220/saltstep/pkg/config/configstore"
	"github.com/andrej220/saltstep/pkg/config/filestore"
	"github.com/andrej220/saltstep/pkg/config/mongostore"
	"github.com/andrej220/saltstep/pkg/executor"
	"github.com/andrej220/saltstep/pkg/extract"
	"github.com/andrej220/saltstep/pkg/orchestrator"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrInvalidSettings  = errors.New("invalid settings")
)

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"`
}

func NewStore(ctx context.Context, storeType StoreType, cfg any) (configstore.ConfigStore, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(ctx, mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

type Settings struct {
	SaltAPI           SaltAPI                 `yaml:"saltApi" json:"saltApi" bson:"saltApi"`
	Retry             Retry                   `yaml:"retry" json:"retry" bson:"retry"`
	Poll              Poll                    `yaml:"poll" json:"poll" bson:"poll"`
	HTTP              HTTP                    `yaml:"http" json:"http" bson:"http"`
	Breaker           Breaker                 `yaml:"breaker" json:"breaker" bson:"breaker"`
	Extractors        map[string]extract.Spec `yaml:"extractors" json:"extractors" bson:"extractors" validate:"dive"`
	FallbackExtractor extract.Spec            `yaml:"fallbackExtractor" json:"fallbackExtractor" bson:"fallbackExtractor"`
	Worker            Worker                  `yaml:"worker" json:"worker" bson:"worker"`
	Log               Log                     `yaml:"log" json:"log" bson:"log"`
}

// SaltAPI holds connection defaults. The password is never stored here.
type SaltAPI struct {
	Endpoint   string `yaml:"endpoint,omitempty" json:"endpoint,omitempty" bson:"endpoint,omitempty" validate:"omitempty,url"`
	User       string `yaml:"user,omitempty" json:"user,omitempty" bson:"user,omitempty"`
	Eauth      string `yaml:"eauth,omitempty" json:"eauth,omitempty" bson:"eauth,omitempty"`
	APIVersion string `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty" bson:"apiVersion,omitempty"`
}

type Retry struct {
	Step           time.Duration `yaml:"step" json:"step" bson:"step" validate:"gt=0"`
	Cap            time.Duration `yaml:"cap" json:"cap" bson:"cap" validate:"gtefield=Step"`
	LoginAttempts  int           `yaml:"loginAttempts" json:"loginAttempts" bson:"loginAttempts" validate:"min=1"`
	SubmitAttempts int           `yaml:"submitAttempts" json:"submitAttempts" bson:"submitAttempts" validate:"min=1"`
	PollAttempts   int           `yaml:"pollAttempts" json:"pollAttempts" bson:"pollAttempts" validate:"min=1"`
	LogoutAttempts int           `yaml:"logoutAttempts" json:"logoutAttempts" bson:"logoutAttempts" validate:"min=1"`
}

type Poll struct {
	Step time.Duration `yaml:"step" json:"step" bson:"step" validate:"gt=0"`
	Cap  time.Duration `yaml:"cap" json:"cap" bson:"cap" validate:"gtefield=Step"`
}

type HTTP struct {
	Timeout       time.Duration `yaml:"timeout" json:"timeout" bson:"timeout" validate:"gt=0"`
	LogoutTimeout time.Duration `yaml:"logoutTimeout" json:"logoutTimeout" bson:"logoutTimeout" validate:"gt=0"`
}

// Breaker configures the circuit breaker in front of salt-api. One breaker
// is shared by every run of the process.
type Breaker struct {
	Enabled             bool          `yaml:"enabled" json:"enabled" bson:"enabled"`
	MaxRequests         uint32        `yaml:"maxRequests" json:"maxRequests" bson:"maxRequests"`
	Interval            time.Duration `yaml:"interval" json:"interval" bson:"interval"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout" bson:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures" json:"consecutiveFailures" bson:"consecutiveFailures" validate:"required_if=Enabled true"`
}

type Worker struct {
	Brokers []string `yaml:"brokers,omitempty" json:"brokers,omitempty" bson:"brokers,omitempty"`
	Topic   string   `yaml:"topic" json:"topic" bson:"topic"`
	GroupID string   `yaml:"groupId" json:"groupId" bson:"groupId"`
	Workers int      `yaml:"workers" json:"workers" bson:"workers" validate:"min=1"`
	Results Results  `yaml:"results" json:"results" bson:"results"`
}

// Results selects where worker mode stores finished runs.
type Results struct {
	Kind       string `yaml:"kind" json:"kind" bson:"kind" validate:"oneof=file mongo"`
	Dir        string `yaml:"dir,omitempty" json:"dir,omitempty" bson:"dir,omitempty" validate:"required_if=Kind file"`
	MongoURI   string `yaml:"mongoUri,omitempty" json:"mongoUri,omitempty" bson:"mongoUri,omitempty" validate:"required_if=Kind mongo"`
	Database   string `yaml:"database,omitempty" json:"database,omitempty" bson:"database,omitempty"`
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty" bson:"collection,omitempty"`
}

type Log struct {
	Debug  bool   `yaml:"debug" json:"debug" bson:"debug"`
	Format string `yaml:"format" json:"format" bson:"format" validate:"oneof=json console"`
}

func Default() Settings {
	opts := orchestrator.DefaultOptions()
	flat := extract.Spec{Kind: extract.KindFlatKey, ExitCodeKey: "retcode", StdoutKey: "stdout", StderrKey: "stderr"}
	return Settings{
		Retry: Retry{
			Step:           executor.DefaultStep,
			Cap:            executor.DefaultCap,
			LoginAttempts:  opts.LoginAttempts,
			SubmitAttempts: opts.SubmitAttempts,
			PollAttempts:   opts.PollAttempts,
			LogoutAttempts: opts.LogoutAttempts,
		},
		Poll: Poll{Step: opts.PollStep, Cap: opts.PollCap},
		HTTP: HTTP{Timeout: 30 * time.Second, LogoutTimeout: opts.LogoutTimeout},
		Breaker: Breaker{
			Enabled:             false,
			MaxRequests:         5,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		Extractors: map[string]extract.Spec{
			"cmd.run_all": flat,
			"cmd.script":  flat,
			"state":       {Kind: extract.KindDeepSearch, ExitCodeKey: "result", StdoutKey: "comment"},
		},
		FallbackExtractor: extract.Spec{Kind: extract.KindPassthrough},
		Worker: Worker{
			Topic:   "saltstep-runs",
			GroupID: "saltstep",
			Workers: 4,
			Results: Results{Kind: "file", Dir: "results", Database: "saltstep", Collection: "runs"},
		},
		Log: Log{Format: "json"},
	}
}

var validate = validator.New()

func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

// Load overlays the stored document on Default and validates the result.
func Load(ctx context.Context, store configstore.ConfigStore) (Settings, error) {
	s := Default()
	if err := store.Load(ctx, &s); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) OrchestratorOptions() orchestrator.Options {
	return orchestrator.Options{
		LoginAttempts:  s.Retry.LoginAttempts,
		SubmitAttempts: s.Retry.SubmitAttempts,
		PollAttempts:   s.Retry.PollAttempts,
		LogoutAttempts: s.Retry.LogoutAttempts,
		PollStep:       s.Poll.Step,
		PollCap:        s.Poll.Cap,
		LogoutTimeout:  s.HTTP.LogoutTimeout,
	}
}

func (s Settings) Resilience() executor.ResilienceConfig {
	conf := executor.ResilienceConfig{Step: s.Retry.Step, Cap: s.Retry.Cap}
	if !s.Breaker.Enabled {
		return conf
	}
	threshold := s.Breaker.ConsecutiveFailures
	cb := executor.DefaultBreakerSettings()
	cb.MaxRequests = s.Breaker.MaxRequests
	cb.Interval = s.Breaker.Interval
	cb.Timeout = s.Breaker.Timeout
	cb.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	conf.CircuitBreakerSettings = cb
	return conf
}

func (s Settings) ExtractorRegistry() (*extract.Registry, error) {
	fallback := s.FallbackExtractor
	if fallback.Kind == "" {
		fallback = extract.Spec{Kind: extract.KindPassthrough}
	}
	return extract.FromSpecs(s.Extractors, &fallback)
}
