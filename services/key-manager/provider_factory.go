package key_manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"wylloh/config"
	"wylloh/features"
	"wylloh/logging"
	"wylloh/pkg/cache"
	"wylloh/pkg/cas"
	"wylloh/pkg/crypto"
	"wylloh/pkg/kvstore"
	"wylloh/pkg/ledger"
	"wylloh/pkg/retrieval"
	keyAccess "wylloh/services/key-access"

	"github.com/redis/go-redis/v9"
)

// Components is a fully wired key manager plus the resources it owns.
type Components struct {
	Manager     *Manager
	Replicas    []string
	Invalidator *cache.RedisInvalidator
	// Settlement submits signed purchase transactions; nil without a ledger.
	Settlement ledger.Settler

	closers []func() error
}

// Close releases every resource opened by Build, newest first.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build constructs the storage replicas, ledgers, caches, recovery path and
// retrieval pipeline described by cfg.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	logger := logging.GetLogger()
	comps := &Components{}

	var redisClient *redis.Client
	needRedis := cfg.Cache.Redis.Address != "" || containsReplica(cfg.Storage.Replicas, "redis")
	if needRedis {
		client, err := kvstore.NewRedisClient(ctx, kvstore.RedisOptions{
			Addr:     cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err != nil {
			if containsReplica(cfg.Storage.Replicas, "redis") {
				return nil, err
			}
			logger.Warn("Redis unavailable, cross-instance cache invalidation disabled: %v", err)
		} else {
			redisClient = client
			if !containsReplica(cfg.Storage.Replicas, "redis") {
				comps.closers = append(comps.closers, client.Close)
			}
		}
	}

	replicas, err := buildReplicas(ctx, cfg, redisClient)
	if err != nil {
		if redisClient != nil && containsReplica(cfg.Storage.Replicas, "redis") {
			_ = redisClient.Close()
		}
		_ = comps.Close()
		return nil, err
	}
	store := kvstore.NewReplicated(replicas, recordReplicaFailure)
	comps.Replicas = store.Replicas()
	comps.closers = append(comps.closers, store.Close)

	registry := keyAccess.NewRegistry(store, nil)
	purchases := keyAccess.NewPurchaseLedger(store)

	primary, secondary, err := buildLedgers(ctx, cfg, comps)
	if err != nil {
		_ = comps.Close()
		return nil, err
	}
	verifier := keyAccess.NewOwnershipVerifier(keyAccess.VerifierOptions{
		Primary:       primary,
		Secondary:     secondary,
		Purchases:     purchases,
		Registry:      registry,
		Backoff:       cfg.Ledger.RetryBackoff,
		LocalFallback: keyAccess.LocalFallbackDefault(),
	})

	secret, err := NewSecretSource(cfg.Encryption)
	if err != nil {
		_ = comps.Close()
		return nil, err
	}
	wrapAlg, err := crypto.ParseWrapAlgorithm(cfg.Encryption.WrapAlgorithm)
	if err != nil {
		_ = comps.Close()
		return nil, err
	}

	var invalidator cache.Invalidator = cache.NewNoOpInvalidator()
	if redisClient != nil {
		host, _ := os.Hostname()
		comps.Invalidator = cache.NewRedisInvalidator(redisClient, cfg.Cache.Redis.Prefix, fmt.Sprintf("%s-%d", host, os.Getpid()))
		invalidator = comps.Invalidator
	}

	keyTTL, grantTTL := cfg.Cache.KeyTTL, cfg.Cache.GrantTTL
	if !cfg.Cache.Enabled {
		keyTTL, grantTTL = 0, 0
	}

	manager, err := NewManager(ctx, Options{
		Envelopes:     NewEnvelopeStore(store),
		Registry:      registry,
		Verifier:      verifier,
		Purchases:     purchases,
		Rotations:     NewRotationLog(store),
		Recovery:      buildRecoveryPath(cfg, store),
		Downloader:    retrieval.NewFromConfig(cfg.Retrieval, retrieval.WithAttemptHook(recordRetrievalAttempt)),
		Secret:        secret,
		Scope:         cfg.WrappingScope(),
		WrapAlgorithm: wrapAlg,
		KeyTTL:        keyTTL,
		GrantTTL:      grantTTL,
		Invalidator:   invalidator,
	})
	if err != nil {
		_ = comps.Close()
		return nil, err
	}
	comps.Manager = manager
	if settler, ok := primary.(ledger.Settler); ok {
		comps.Settlement = settler
	}

	logger.Info("Key manager ready: replicas=%v ledger=%t recovery=%t cache_ttl=%s",
		comps.Replicas, primary != nil, manager.RecoveryEnabled(), keyTTL)
	return comps, nil
}

func containsReplica(replicas []string, name string) bool {
	for _, r := range replicas {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// buildReplicas opens replicas in configured priority order. On failure the
// replicas opened so far are closed, except a redis replica whose client the
// caller owns.
func buildReplicas(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (replicas []kvstore.Store, err error) {
	defer func() {
		if err == nil {
			return
		}
		for _, r := range replicas {
			if r.Name() != "redis" {
				_ = r.Close()
			}
		}
		replicas = nil
	}()

	for _, name := range cfg.Storage.Replicas {
		switch strings.ToLower(name) {
		case "badger":
			b, err := kvstore.OpenBadger(cfg.Storage.BadgerPath)
			if err != nil {
				return replicas, err
			}
			replicas = append(replicas, b)
		case "redis":
			if redisClient == nil {
				return replicas, errors.New("redis replica configured without a redis connection")
			}
			replicas = append(replicas, kvstore.NewRedisStore(redisClient, cfg.Cache.Redis.Prefix))
		case "postgres":
			db, err := kvstore.ConnectPostgres(ctx, cfg.GetDatabaseURL(), kvstore.PoolOptions{
				MaxOpenConns:    cfg.Database.MaxOpenConns,
				MaxIdleConns:    cfg.Database.MaxIdleConns,
				ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
				ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			})
			if err != nil {
				return replicas, err
			}
			pg, err := kvstore.NewPostgresStore(db, cfg.Storage.Table)
			if err != nil {
				_ = db.Close()
				return replicas, err
			}
			if err := pg.EnsureSchema(ctx); err != nil {
				_ = db.Close()
				return replicas, err
			}
			replicas = append(replicas, pg)
		case "memory":
			replicas = append(replicas, kvstore.NewMemoryStore("memory"))
		default:
			return replicas, fmt.Errorf("unsupported storage replica: %s", name)
		}
	}
	if len(replicas) < 2 {
		logging.GetLogger().Warn("Only %d storage replica(s) configured; envelope writes are not redundant", len(replicas))
	}
	return replicas, nil
}

func buildLedgers(ctx context.Context, cfg *config.Config, comps *Components) (ledger.Ledger, ledger.Ledger, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil, nil
	}
	primary, err := ledger.DialEthereum(ctx, ledger.EthereumOptions{
		Name:            "primary",
		RPCURL:          cfg.Ledger.PrimaryRPC,
		ContractAddress: cfg.Ledger.ContractAddress,
		Timeout:         cfg.Ledger.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	comps.closers = append(comps.closers, func() error { primary.Close(); return nil })

	if cfg.Ledger.SecondaryRPC == "" {
		return primary, nil, nil
	}
	secondary, err := ledger.DialEthereum(ctx, ledger.EthereumOptions{
		Name:            "secondary",
		RPCURL:          cfg.Ledger.SecondaryRPC,
		ContractAddress: cfg.Ledger.ContractAddress,
		Timeout:         cfg.Ledger.Timeout,
	})
	if err != nil {
		logging.GetLogger().Warn("Secondary ledger unavailable, retries will reuse the primary: %v", err)
		return primary, nil, nil
	}
	comps.closers = append(comps.closers, func() error { secondary.Close(); return nil })
	return primary, secondary, nil
}

func buildRecoveryPath(cfg *config.Config, store kvstore.Store) *RecoveryPath {
	var resolver MetadataResolver
	if cfg.IPFS.MetadataURL != "" {
		resolver = NewHTTPMetadataResolver(cfg.IPFS.MetadataURL, cfg.IPFS.Timeout, cfg.IPFS.RetryMax)
	}
	switch {
	case cfg.IPFS.APIURL != "":
		return NewRecoveryPath(cas.NewIPFSStore(cas.IPFSOptions{
			APIURL:   cfg.IPFS.APIURL,
			Timeout:  cfg.IPFS.Timeout,
			RetryMax: cfg.IPFS.RetryMax,
		}), store, resolver)
	case features.ShouldEnableRecoveryPath():
		return NewRecoveryPath(cas.NewMemoryStore(), store, resolver)
	default:
		return nil
	}
}
