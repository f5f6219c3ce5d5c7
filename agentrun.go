// Package agentrun is a runtime for compiled multi-agent workflows: directed
// acyclic graphs of agent, tool, retrieval, condition, delegation and join
// nodes produced by a natural-language compiler and executed here with
// bounded concurrency, retries and durable run state.
package agentrun

import (
	"github.com/juju/errors"

	"github.com/agentxhq/agentrun/connector"
	"github.com/agentxhq/agentrun/retrieval"
	"github.com/agentxhq/agentrun/runtime"
	"github.com/agentxhq/agentrun/store"
	"github.com/agentxhq/agentrun/store/mem"
	"github.com/agentxhq/agentrun/store/postgres"
	"github.com/agentxhq/agentrun/types"
)

// Config wires the engine's collaborators. Zero-value fields get working
// defaults: an in-process credentials resolver with no entries, the hashing
// embedder, and the store selected by the engine options.
type Config struct {
	Credentials connector.CredentialsResolver
	Embedder    retrieval.Embedder

	ConnectorOptions *connector.Options
	RetrievalOptions *retrieval.Options
}

// New creates an engine ready for graph registration. PostgresConfig takes
// precedence over MemStore for run persistence.
func New(cfg Config, opts ...types.EngineOption) (*runtime.Engine, error) {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}

	var s store.Store
	var err error

	if options.PostgresConfig != nil {
		pgConfig := &postgres.Config{
			Host:     options.PostgresConfig.Host,
			Port:     options.PostgresConfig.Port,
			User:     options.PostgresConfig.User,
			Password: options.PostgresConfig.Password,
			Database: options.PostgresConfig.Database,
			SSLMode:  options.PostgresConfig.SSLMode,
		}

		s, err = postgres.NewPostgresStore(pgConfig)
		if err != nil {
			return nil, errors.Annotatef(err, "create PostgreSQL store")
		}
	} else {
		// mem store is the default; it only suits tests and development
		s = mem.NewMemStore()
	}

	resolver := cfg.Credentials
	if resolver == nil {
		resolver = connector.StaticCredentials{}
	}
	embedder := cfg.Embedder
	if embedder == nil {
		embedder = retrieval.NewHashingEmbedder(0)
	}

	layer := connector.NewLayer(resolver, cfg.ConnectorOptions)
	for _, d := range []connector.Driver{
		connector.NewHTTPDriver(nil),
		connector.NewPostgresDriver(),
		connector.NewFilesystemDriver(),
		connector.NewWebSearchDriver(nil),
	} {
		if err := layer.Register(d); err != nil {
			return nil, errors.Trace(err)
		}
	}

	ret := retrieval.NewService(embedder, cfg.RetrievalOptions)

	return runtime.NewEngine(s, layer, ret, options), nil
}
