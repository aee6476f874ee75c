// Package config loads the engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"contractflow/action"
	"contractflow/contract"
	"contractflow/dispatch"
	"contractflow/logging"
)

var (
	ErrNotFound      = errors.New("config: file not found")
	ErrInvalidFormat = errors.New("config: invalid format")
	ErrMissingEnv    = errors.New("config: required environment variable not set")
	ErrInvalid       = errors.New("config: validation failed")
)

type Config struct {
	Database   DatabaseConfig          `yaml:"database"`
	Redis      RedisConfig             `yaml:"redis"`
	Log        LogConfig               `yaml:"log"`
	Dispatcher DispatcherConfig        `yaml:"dispatcher"`
	Actions    map[string]ActionConfig `yaml:"actions"`
	Triggers   []TriggerConfig         `yaml:"triggers"`
	Templates  []TemplateConfig        `yaml:"templates"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// RedisConfig enables the shared result cache when Addr is set.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DispatcherConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	BatchSize        int           `yaml:"batch_size"`
	Lease            time.Duration `yaml:"lease"`
	PendingGrace     time.Duration `yaml:"pending_grace"`
	MasterSecret     string        `yaml:"master_secret"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
}

type AuthConfig struct {
	Scheme string `yaml:"scheme"`
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

type EndpointConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Auth    *AuthConfig       `yaml:"auth"`
}

type RetryConfig struct {
	MaxRetries        *int          `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ActionConfig overrides the stock entry of one action. Zero fields keep
// the stock value.
type ActionConfig struct {
	EndpointConfig `yaml:",inline"`
	Timeout        time.Duration   `yaml:"timeout"`
	Retry          RetryConfig     `yaml:"retry"`
	Compensation   *EndpointConfig `yaml:"compensation"`
}

type TriggerConfig struct {
	Entity   string   `yaml:"entity"`
	To       string   `yaml:"to"`
	Category string   `yaml:"category"`
	StepType string   `yaml:"step_type"`
	Actions  []string `yaml:"actions"`
}

type StepConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type PhaseConfig struct {
	Name         string       `yaml:"name"`
	Category     string       `yaml:"category"`
	Percentage   string       `yaml:"percentage"`
	DueInDays    int          `yaml:"due_in_days"`
	Steps        []StepConfig `yaml:"steps"`
	Installments int          `yaml:"installments"`
	IntervalDays int          `yaml:"interval_days"`
	Fields       int          `yaml:"fields"`
}

type TemplateConfig struct {
	ID     string        `yaml:"id"`
	Name   string        `yaml:"name"`
	Phases []PhaseConfig `yaml:"phases"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	worker := dispatch.DefaultWorkerConfig()
	httpCfg := dispatch.DefaultHTTPConfig()
	return Config{
		Database: DatabaseConfig{MaxConns: 16},
		Redis:    RedisConfig{KeyPrefix: "contractflow:result:", TTL: 24 * time.Hour},
		Log:      LogConfig{Level: "info", Format: "json"},
		Dispatcher: DispatcherConfig{
			BaseURL:          "http://localhost:8081",
			Workers:          worker.Concurrency,
			QueueSize:        worker.QueueSize,
			SweepInterval:    worker.SweepInterval,
			BatchSize:        100,
			Lease:            5 * time.Minute,
			PendingGrace:     30 * time.Second,
			BreakerThreshold: httpCfg.CircuitBreakerThreshold,
			BreakerTimeout:   httpCfg.CircuitBreakerTimeout,
			TokenTTL:         httpCfg.TokenTTL,
		},
	}
}

// Load reads, expands and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the whole document, reporting every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Dispatcher.Workers <= 0 {
		errs = append(errs, errors.New("dispatcher.workers must be positive"))
	}
	if c.Dispatcher.SweepInterval <= 0 {
		errs = append(errs, errors.New("dispatcher.sweep_interval must be positive"))
	}
	if c.Dispatcher.Lease <= 0 {
		errs = append(errs, errors.New("dispatcher.lease must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if c.Redis.Addr != "" && c.Redis.TTL <= 0 {
		errs = append(errs, errors.New("redis.ttl must be positive"))
	}

	if reg, err := c.Registry(); err != nil {
		errs = append(errs, err)
	} else if err := reg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TriggerTable(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TemplateSet(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Registry merges the configured actions over the stock registry.
func (c Config) Registry() (action.Registry, error) {
	reg := action.DefaultRegistry(c.Dispatcher.BaseURL)
	for name, ac := range c.Actions {
		t, err := action.ParseType(name)
		if err != nil {
			return action.Registry{}, err
		}
		base, _ := reg.Lookup(t)
		entry := base
		entry.Endpoint = ac.EndpointConfig.merge(base.Endpoint)
		if ac.Timeout > 0 {
			entry.Timeout = ac.Timeout
		}
		if ac.Retry.MaxRetries != nil {
			entry.Retry.MaxRetries = *ac.Retry.MaxRetries
		}
		if ac.Retry.InitialDelay > 0 {
			entry.Retry.InitialDelay = ac.Retry.InitialDelay
		}
		if ac.Retry.BackoffMultiplier > 0 {
			entry.Retry.BackoffMultiplier = ac.Retry.BackoffMultiplier
		}
		if ac.Compensation != nil {
			var prev action.Endpoint
			if base.Compensation != nil {
				prev = *base.Compensation
			} else {
				prev = action.Endpoint{Method: "POST", Auth: base.Endpoint.Auth}
			}
			comp := ac.Compensation.merge(prev)
			entry.Compensation = &comp
		}
		reg = reg.With(t, entry)
	}
	return reg, nil
}

func (e EndpointConfig) merge(base action.Endpoint) action.Endpoint {
	out := base
	if e.URL != "" {
		out.URL = e.URL
	}
	if e.Method != "" {
		out.Method = strings.ToUpper(e.Method)
	}
	if len(e.Headers) > 0 {
		out.Headers = make(map[string]string, len(base.Headers)+len(e.Headers))
		for k, v := range base.Headers {
			out.Headers[k] = v
		}
		for k, v := range e.Headers {
			out.Headers[k] = v
		}
	}
	if e.Auth != nil {
		out.Auth = action.Auth{
			Scheme: action.AuthScheme(strings.ToLower(e.Auth.Scheme)),
			Token:  e.Auth.Token,
			Secret: e.Auth.Secret,
			Issuer: e.Auth.Issuer,
		}
	}
	return out
}

// TriggerTable returns the configured trigger table, or the stock table
// when none is configured.
func (c Config) TriggerTable() (action.Triggers, error) {
	if len(c.Triggers) == 0 {
		return action.DefaultTriggers(), nil
	}
	out := make(action.Triggers, 0, len(c.Triggers))
	for i, tc := range c.Triggers {
		if tc.Entity == "" || tc.To == "" {
			return nil, fmt.Errorf("triggers[%d]: entity and to are required", i)
		}
		tr := action.Trigger{
			Entity:   strings.ToUpper(tc.Entity),
			To:       strings.ToUpper(tc.To),
			Category: strings.ToUpper(tc.Category),
			StepType: strings.ToUpper(tc.StepType),
		}
		for _, name := range tc.Actions {
			t, err := action.ParseType(name)
			if err != nil {
				return nil, fmt.Errorf("triggers[%d]: %w", i, err)
			}
			tr.Actions = append(tr.Actions, t)
		}
		out = append(out, tr)
	}
	return out, nil
}

// TemplateSet returns the stock mortgage template followed by the
// configured ones. A configured template with the stock ID replaces it.
func (c Config) TemplateSet() ([]contract.Template, error) {
	stock := contract.MortgageTemplate()
	out := []contract.Template{stock}
	for _, tc := range c.Templates {
		t, err := tc.build()
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if t.ID == stock.ID {
			out[0] = t
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (tc TemplateConfig) build() (contract.Template, error) {
	t := contract.Template{ID: tc.ID, Name: tc.Name}
	for i, pc := range tc.Phases {
		pct := decimal.Zero
		if pc.Percentage != "" {
			var err error
			if pct, err = decimal.NewFromString(strings.TrimSuffix(pc.Percentage, "%")); err != nil {
				return contract.Template{}, fmt.Errorf("template %s phase %d: percentage: %w", tc.ID, i+1, err)
			}
		}
		pt := contract.PhaseTemplate{
			Name:         pc.Name,
			Category:     contract.PhaseCategory(strings.ToUpper(pc.Category)),
			Percentage:   pct,
			DueInDays:    pc.DueInDays,
			Installments: pc.Installments,
			IntervalDays: pc.IntervalDays,
			Fields:       pc.Fields,
		}
		for _, sc := range pc.Steps {
			pt.Steps = append(pt.Steps, contract.StepTemplate{Name: sc.Name, Type: contract.StepType(strings.ToUpper(sc.Type))})
		}
		t.Phases = append(t.Phases, pt)
	}
	return t, nil
}

// Logging converts the log section for logging.Init.
func (c Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	if c.Log.Level != "" {
		lc.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		lc.Format = strings.ToLower(c.Log.Format)
	}
	return lc
}

func (c Config) Worker() dispatch.WorkerConfig {
	return dispatch.WorkerConfig{
		Concurrency:   c.Dispatcher.Workers,
		QueueSize:     c.Dispatcher.QueueSize,
		SweepInterval: c.Dispatcher.SweepInterval,
	}
}

func (c Config) HTTP() dispatch.HTTPConfig {
	hc := dispatch.DefaultHTTPConfig()
	hc.MasterSecret = c.Dispatcher.MasterSecret
	if c.Dispatcher.BreakerThreshold > 0 {
		hc.CircuitBreakerThreshold = c.Dispatcher.BreakerThreshold
	}
	if c.Dispatcher.BreakerTimeout > 0 {
		hc.CircuitBreakerTimeout = c.Dispatcher.BreakerTimeout
	}
	if c.Dispatcher.TokenTTL > 0 {
		hc.TokenTTL = c.Dispatcher.TokenTTL
	}
	return hc
}

// DispatcherOptions returns the tuning options for dispatch.NewDispatcher.
func (c Config) DispatcherOptions() []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithLease(c.Dispatcher.Lease),
		dispatch.WithPendingGrace(c.Dispatcher.PendingGrace),
		dispatch.WithBatchSize(c.Dispatcher.BatchSize),
	}
}
