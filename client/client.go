// Package client wires transport, session, retry, cache, and the typed
// query/relation/batch/txn layers into the single entry point
// applications use (Client), built as a top-level constructor that wires
// a registry of named models rather than named connections.
package client

import (
	"context"
	"time"

	"odoorpc.dev/batch"
	"odoorpc.dev/cache"
	"odoorpc.dev/model"
	"odoorpc.dev/query"
	"odoorpc.dev/relation"
	"odoorpc.dev/retry"
	"odoorpc.dev/rpcconfig"
	"odoorpc.dev/rpclog"
	"odoorpc.dev/session"
	"odoorpc.dev/transport"
	"odoorpc.dev/txn"

	"github.com/sirupsen/logrus"
)

// Client is the top-level handle applications hold. It
// satisfies query.Executor, relation.Executor, batch.Executor, and
// txn.Executor so every package built on top can depend on this one
// concrete type without an import cycle.
type Client struct {
	cfg rpcconfig.Config
	log *logrus.Logger
	pool *transport.Pool
	sess *session.Session
	registry *model.Registry

	retryMgr *retry.Manager
	cacheMgr *cache.Manager
	txnMgr *txn.Manager

	planner *relation.Planner
}

// New builds a Client from cfg, dialing no connection eagerly — the
// underlying HTTP pool is lazy per net/http convention.
func New(cfg rpcconfig.Config, registry *model.Registry) *Client {
	log := rpclog.New("odoorpc")

	pool := transport.NewPool(transport.PoolOptions{
		MaxConnections: cfg.MaxConnections,
		MaxKeepaliveConnections: cfg.MaxKeepaliveConnections,
		HTTP2: cfg.HTTP2,
		VerifyTLS: cfg.VerifyTLS,
	})
	t := transport.New(cfg.Endpoint, pool)
	sess := session.New(t)

	breaker := retry.NewBreaker(cfg.CircuitFailureThreshold, cfg.CircuitSuccessThreshold, cfg.CircuitHalfOpenBudget, cfg.CircuitRecoveryTimeout)
	breaker.OnTransition(func() { log.WithField("state", "open").Warn("circuit breaker opened") },
		func() { log.WithField("state", "closed").Info("circuit breaker closed") },
		func() { log.WithField("state", "half_open").Info("circuit breaker probing") })

	policy := retry.Policy{
		Strategy: buildStrategy(cfg),
		Classify: retry.DefaultClassifier(false),
		TotalDeadline: cfg.Timeout,
		AttemptBudget: cfg.RetryMaxAttempts,
		Breaker: breaker,
	}
	sink := retry.NewCounters()
	retryMgr := retry.NewManager(policy, sink)

	cacheMgr := cache.NewManager()
	registerCacheBackends(cacheMgr, cfg)

	c := &Client{
		cfg: cfg,
		log: log,
		pool: pool,
		sess: sess,
		registry: registry,
		retryMgr: retryMgr,
		cacheMgr: cacheMgr,
	}
	c.txnMgr = txn.NewManager(c)
	c.planner = relation.NewPlanner(c, 0)
	return c
}

func buildStrategy(cfg rpcconfig.Config) retry.Strategy {
	switch cfg.RetryStrategy {
	case "linear":
		return retry.Linear{Base: cfg.RetryBaseDelay, Increment: cfg.RetryBaseDelay, Jitter: cfg.RetryJitter, MaxAttempts: cfg.RetryMaxAttempts}
	case "fixed":
		return retry.Fixed{Base: cfg.RetryBaseDelay, Jitter: cfg.RetryJitter, MaxAttempts: cfg.RetryMaxAttempts}
	default:
		return retry.Exponential{Base: cfg.RetryBaseDelay, Multiplier: 2, Max: cfg.RetryMaxDelay, Jitter: cfg.RetryJitter, MaxAttempts: cfg.RetryMaxAttempts}
	}
}

func registerCacheBackends(mgr *cache.Manager, cfg rpcconfig.Config) {
	mem := cache.NewMemory(cfg.CacheMaxSize, cache.EvictionStrategy(cfg.CacheStrategy), time.Minute)
	mgr.Register("memory", mem, "", 0, 0)
	mgr.Tag("default", "memory")

	if cfg.CacheURL == "" {
		return
	}
	remote, err := cache.NewRedis(cache.RedisOptions{
		URL: cfg.CacheURL,
		Namespace: cfg.CacheNamespace,
		Serializer: cache.Serializer(cfg.CacheSerializer),
		MaxConns: cfg.CacheMaxConns,
	})
	if err != nil {
		return
	}
	mgr.Register("remote", remote, "memory", cfg.CircuitFailureThreshold, cfg.CircuitRecoveryTimeout)
	mgr.Tag("default", "remote")
}

// Registry exposes the bound model registry.
func (c *Client) Registry() *model.Registry { return c.registry }

// Authenticate logs in and stores the resulting identity on the session.
func (c *Client) Authenticate(ctx context.Context, login, credential string, defaultContext map[string]any) error {
	return c.sess.Authenticate(ctx, c.cfg.Database, login, credential, defaultContext)
}

// Close releases pooled connections and clears session state.
func (c *Client) Close() error {
	c.pool.Close()
	return c.sess.Close()
}

// ExecuteKW issues one execute_kw RPC through the retry manager; every call
// from cache, query, relation, batch, and txn passes through here.
func (c *Client) ExecuteKW(ctx context.Context, modelName, method string, args []any, kwargs map[string]any, opts transport.CallOptions) (any, error) {
	result, err := c.retryMgr.Do(ctx, func(ctx context.Context) (any, error) {
		return c.sess.ExecuteKW(ctx, modelName, method, args, kwargs, opts)
	})
	return result, err
}

// Model starts a new query.Set over modelName (Query Set).
func (c *Client) Model(modelName string) query.Set {
	return query.New(c, modelName)
}

// Prefetch resolves relation paths across recs via the batching planner.
func (c *Client) Prefetch(ctx context.Context, recs []*model.Record, paths []string) error {
	return c.planner.Prefetch(ctx, recs, paths)
}

// BulkCreate, BulkUpdate, BulkDelete expose the batch engine bound to this
// client's ExecuteKW.
func (c *Client) BulkCreate(ctx context.Context, modelName string, records []map[string]any, opts batch.Options) batch.Result {
	return batch.BulkCreate(ctx, c, modelName, records, opts)
}

func (c *Client) BulkUpdate(ctx context.Context, modelName string, updates []batch.Update, opts batch.Options) batch.Result {
	return batch.BulkUpdate(ctx, c, modelName, updates, opts)
}

func (c *Client) BulkDelete(ctx context.Context, modelName string, ids []int64, opts batch.Options) batch.Result {
	return batch.BulkDelete(ctx, c, modelName, ids, opts)
}

// Transact runs fn inside a compensating transaction scope.
func (c *Client) Transact(ctx context.Context, fn func(ctx context.Context, scope *txn.Scope) error) (*txn.Result, error) {
	return c.txnMgr.Do(ctx, fn)
}

// CacheStats reports Stats for each named backend, used by the
// odoorpcctl cache-stats subcommand.
func (c *Client) CacheStats(ctx context.Context, names...string) (map[string]cache.Stats, error) {
	out := make(map[string]cache.Stats, len(names))
	for _, name := range names {
		stats, err := c.cacheMgr.Stats(ctx, name)
		if err != nil {
			return out, err
		}
		out[name] = stats
	}
	return out, nil
}

// Cache exposes the underlying cache manager for direct Get/Set/
// GetOrCompute use.
func (c *Client) Cache() *cache.Manager { return c.cacheMgr }

// Invalidate satisfies query.Invalidator and batch.Invalidator, routing
// write-path cache invalidation through the bound cache manager.
func (c *Client) Invalidate(ctx context.Context, name, pattern string) error {
	return c.cacheMgr.Invalidate(ctx, name, pattern)
}

// GetOrCompute satisfies query.CacheHook, routing Set.Cache-enabled
// terminal reads through the bound cache manager.
func (c *Client) GetOrCompute(ctx context.Context, name, key string, ttl time.Duration, dest any, producer func(ctx context.Context) (any, error)) error {
	return c.cacheMgr.GetOrCompute(ctx, name, key, ttl, dest, producer)
}

// Healthcheck delegates to the session's unauthenticated version call.
func (c *Client) Healthcheck(ctx context.Context) (map[string]any, error) {
	return c.sess.Healthcheck(ctx)
}

// ListDatabases delegates to the session's unauthenticated db.list call.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	return c.sess.ListDatabases(ctx)
}
