package types

import (
	"context"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context `yaml:"-"`
	/**
	 * default: 64
	 * global cap on concurrently running node tasks across all runs.
	 * Ready nodes past the cap queue FIFO by readiness time.
	 */
	MaxConcurrentNodes int `default:"64" yaml:"max_concurrent_nodes"`
	/**
	 * default: 5s
	 * after a cancel request, how long in-flight node tasks get to
	 * acknowledge before the run is force-finalized.
	 */
	GraceTimeout time.Duration `default:"5s" yaml:"grace_timeout"`
	/**
	 * default: 30s, applied when a node declares no timeout of its own.
	 */
	DefaultNodeTimeout time.Duration `default:"30s" yaml:"default_node_timeout"`
	/**
	 * defaults for nodes that declare no retry policy.
	 */
	DefaultMaxAttempts int           `default:"3" yaml:"default_max_attempts"`
	DefaultBaseBackoff time.Duration `default:"100ms" yaml:"default_base_backoff"`
	DefaultMaxBackoff  time.Duration `default:"10s" yaml:"default_max_backoff"`
	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemStore bool `default:"false" yaml:"mem_store"`

	// PostgreSQL store configuration.
	// If both MemStore and PostgresConfig are set, PostgresConfig takes precedence.
	PostgresConfig *PostgresConfig `yaml:"postgres,omitempty"`
}

// PostgresConfig holds PostgreSQL connection configuration for the run store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // disable, require, verify-ca, verify-full
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func SetMaxConcurrentNodes(n int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxConcurrentNodes = n
	}
}

func SetGraceTimeout(d time.Duration) EngineOption {
	return func(opts *EngineOptions) {
		opts.GraceTimeout = d
	}
}

func SetDefaultNodeTimeout(d time.Duration) EngineOption {
	return func(opts *EngineOptions) {
		opts.DefaultNodeTimeout = d
	}
}

func EnableMemStore() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemStore = true
	}
}

// WithPostgresConfig configures the engine to persist runs in PostgreSQL.
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}

// LoadEngineOptions reads options from a YAML file on top of the defaults.
func LoadEngineOptions(path string) (*EngineOptions, error) {
	opts := NewEngineOptions()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read options file %s", path)
	}
	if err := yaml.Unmarshal(b, opts); err != nil {
		return nil, errors.Annotatef(err, "parse options file %s", path)
	}
	return opts, nil
}
