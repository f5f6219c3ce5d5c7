// Package connector gives node executions uniform access to external
// systems. Every (connector type, target) pair owns a bounded handle pool,
// a token-bucket rate limiter and a circuit breaker; acquiring a pooled
// handle is the backpressure that protects the external system from the
// engine's parallelism.
package connector

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/mcuadros/go-defaults"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/agentxhq/agentrun/types"
)

// Request is one uniform connector invocation. Credentials travel by
// reference only; the workflow artifact never embeds secrets.
type Request struct {
	Type           string
	Target         string
	Operation      string
	Payload        types.Data
	CredentialsRef string
}

// Credentials are the resolved secret material for one target.
type Credentials map[string]string

// CredentialsResolver turns a credentials reference into secret material.
// The zero reference resolves to nil credentials.
type CredentialsResolver interface {
	Resolve(ref string) (Credentials, error)
}

// StaticCredentials is a fixed in-memory resolver, mostly for tests and
// examples.
type StaticCredentials map[string]Credentials

func (s StaticCredentials) Resolve(ref string) (Credentials, error) {
	if ref == "" {
		return nil, nil
	}
	creds, exists := s[ref]
	if !exists {
		return nil, errors.NotFoundf("credentials ref %q", ref)
	}
	return creds, nil
}

// Handle is one pooled connection to an external system. Node executions
// borrow a handle for the duration of a single call.
type Handle interface {
	Call(ctx context.Context, operation string, payload types.Data) (types.Data, error)
	Close() error
}

// Driver opens handles for one connector type. The set of drivers is closed
// and registered at startup.
type Driver interface {
	Type() string
	Open(ctx context.Context, target string, creds Credentials) (Handle, error)
}

func NewOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

type Options struct {
	/**
	 * default: 4, handles pooled per (type, target) pair.
	 */
	PoolSize int `default:"4" yaml:"pool_size"`
	/**
	 * default: 10s, how long an invocation may wait for a pool slot or a
	 * rate-limit token before failing Exhausted.
	 */
	AcquireTimeout time.Duration `default:"10s" yaml:"acquire_timeout"`
	/**
	 * token bucket: default 50 calls/s with a burst of 10.
	 */
	RatePerSecond float64 `default:"50" yaml:"rate_per_second"`
	RateBurst     int     `default:"10" yaml:"rate_burst"`
	/**
	 * circuit breaker: opens after this many consecutive failures,
	 * half-opens for one probe after the cooldown.
	 */
	BreakerThreshold int           `default:"5" yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `default:"30s" yaml:"breaker_cooldown"`
}

// Layer is the connector abstraction layer. It is process-wide shared state:
// initialized once at startup, drained once at shutdown, internally
// synchronized so callers never lock.
type Layer struct {
	resolver CredentialsResolver
	defaults *Options

	mu       sync.Mutex
	drivers  map[string]Driver
	typeOpts map[string]*Options
	targets  map[targetKey]*targetEntry
	closed   bool
}

type targetKey struct {
	connType string
	target   string
}

type targetEntry struct {
	pool    *handlePool
	limiter *rate.Limiter
	breaker *breaker
}

func NewLayer(resolver CredentialsResolver, opts *Options) *Layer {
	if opts == nil {
		opts = NewOptions()
	}
	return &Layer{
		resolver: resolver,
		defaults: opts,
		drivers:  make(map[string]Driver),
		typeOpts: make(map[string]*Options),
		targets:  make(map[targetKey]*targetEntry),
	}
}

// Register adds a driver to the closed set.
func (l *Layer) Register(d Driver) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.drivers[d.Type()]; exists {
		return errors.AlreadyExistsf("connector driver %q", d.Type())
	}
	l.drivers[d.Type()] = d
	return nil
}

// Configure overrides pool/limit/breaker options for one connector type.
func (l *Layer) Configure(connType string, opts *Options) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.typeOpts[connType] = opts
}

func (l *Layer) optionsFor(connType string) *Options {
	if opts, exists := l.typeOpts[connType]; exists {
		return opts
	}
	return l.defaults
}

func (l *Layer) entry(req Request) (*targetEntry, Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, types.NewExhaustedErrorf("connector layer closed")
	}
	driver, exists := l.drivers[req.Type]
	if !exists {
		return nil, nil, types.NewPermanentError(errors.NotFoundf("connector type %q", req.Type))
	}

	key := targetKey{req.Type, req.Target}
	entry, exists := l.targets[key]
	if !exists {
		opts := l.optionsFor(req.Type)
		entry = &targetEntry{
			pool:    newHandlePool(int64(opts.PoolSize), opts.AcquireTimeout),
			limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
			breaker: newBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		}
		l.targets[key] = entry
	}
	return entry, driver, nil
}

// Invoke performs one call through the pooled, rate-limited, breaker-guarded
// path. The returned error is always classified (Transient, Permanent or
// Exhausted) via *types.ConnectorError or a taxonomy wrapper.
func (l *Layer) Invoke(ctx context.Context, req Request) (types.Data, error) {
	entry, driver, err := l.entry(req)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if !entry.breaker.allow() {
		return nil, types.NewConnectorError(req.Type, req.Target, req.Operation,
			types.FailureExhausted, errors.Errorf("circuit open"))
	}

	creds, err := l.resolver.Resolve(req.CredentialsRef)
	if err != nil {
		return nil, types.NewConnectorError(req.Type, req.Target, req.Operation,
			types.FailurePermanent, err)
	}

	opts := l.optionsFor(req.Type)
	waitCtx, cancel := context.WithTimeout(ctx, opts.AcquireTimeout)
	defer cancel()

	if err := entry.limiter.Wait(waitCtx); err != nil {
		return nil, l.exhausted(ctx, req, errors.Annotatef(err, "rate limit wait"))
	}

	handle, err := entry.pool.acquire(waitCtx, func(openCtx context.Context) (Handle, error) {
		return driver.Open(openCtx, req.Target, creds)
	})
	if err != nil {
		return nil, l.exhausted(ctx, req, errors.Annotatef(err, "pool acquire"))
	}

	result, callErr := handle.Call(ctx, req.Operation, req.Payload)
	entry.pool.release(handle, callErr)
	entry.breaker.record(callErr)

	if callErr != nil {
		return nil, errors.Trace(l.classify(ctx, req, callErr))
	}
	return result, nil
}

// exhausted distinguishes "pool/limiter wait timed out" from "the caller
// itself went away".
func (l *Layer) exhausted(ctx context.Context, req Request, err error) error {
	if ctx.Err() != nil {
		return types.NewCancelledError(ctx.Err())
	}
	log.Warnf("connector %s(%s): %v", req.Type, req.Target, err)
	return types.NewConnectorError(req.Type, req.Target, req.Operation, types.FailureExhausted, err)
}

func (l *Layer) classify(ctx context.Context, req Request, err error) error {
	if ce, ok := err.(*types.ConnectorError); ok {
		return ce
	}
	kind := types.FailureTransient
	if ctx.Err() == context.DeadlineExceeded {
		kind = types.FailureTimeout
	} else if ctx.Err() == context.Canceled {
		kind = types.FailureCancelled
	} else if types.Classify(err) == types.FailurePermanent && isTaxonomy(err) {
		kind = types.FailurePermanent
	}
	return types.NewConnectorError(req.Type, req.Target, req.Operation, kind, err)
}

func isTaxonomy(err error) bool {
	switch err.(type) {
	case *types.PermanentError, *types.TransientError, *types.TimeoutError,
		*types.CancelledError, *types.ExhaustedError:
		return true
	}
	return false
}

// Close drains every pool and closes the idle handles. In-flight calls
// finish; new invocations fail Exhausted.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var retErr error
	for key, entry := range l.targets {
		if err := entry.pool.drain(); err != nil {
			retErr = errors.Wrapf(retErr, err, "drain %s(%s)", key.connType, key.target)
		}
	}
	return retErr
}
