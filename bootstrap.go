package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/cachegroup"
	"github.com/any-hub/readcache/internal/config"
	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/fetch"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/metrics"
	"github.com/any-hub/readcache/internal/migration"
	"github.com/any-hub/readcache/internal/site"
	"github.com/any-hub/readcache/internal/version"
)

const (
	lockFileName   = "readcache.lock"
	stagingDirName = "staging"
)

// runtimeDeps 汇总一次进程生命周期内共享的组件。
type runtimeDeps struct {
	cfg     *config.Config
	logger  *logrus.Logger
	lock    *flock.Flock
	meta    *metadata.Store
	legacy  *migration.BoltSource
	adapter *migration.Adapter
	manager *cachegroup.Manager
	metrics *metrics.Metrics
}

// openRuntime 按“目录锁 → 正文存储 → 元数据 → 抓取客户端 → 迁移适配器 → 缓存管理器”
// 的顺序构建组件；任何一步失败都会释放已获取的资源。
func openRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (rt *runtimeDeps, err error) {
	g := cfg.Global
	if err := os.MkdirAll(g.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	rt = &runtimeDeps{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	rt.lock = flock.New(filepath.Join(g.StoragePath, lockFileName))
	locked, err := rt.lock.TryLock()
	if err != nil {
		return rt, fmt.Errorf("acquire storage lock: %w", err)
	}
	if !locked {
		rt.lock = nil
		return rt, errors.New("another readcache instance is using " + g.StoragePath)
	}

	store, err := openContentStore(ctx, g)
	if err != nil {
		return rt, err
	}

	rt.meta, err = metadata.Open(filepath.Join(g.StoragePath, metadata.DBFile), logger)
	if err != nil {
		return rt, err
	}

	sites, err := site.NewRegistry(cfg)
	if err != nil {
		return rt, err
	}

	stagingDir := filepath.Join(g.StoragePath, stagingDirName)
	userAgent := g.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	fetcher, err := fetch.New(fetch.Options{
		Timeout:    g.UpstreamTimeout.DurationValue(),
		UserAgent:  userAgent,
		StagingDir: stagingDir,
		Proxies:    sites.Proxies(),
	}, logger)
	if err != nil {
		return rt, err
	}

	observers := cachegroup.NewObservers()
	adapterOpts := migration.Options{
		Meta:       rt.meta,
		Store:      store,
		StagingDir: stagingDir,
		Resolver: func(raw string) (string, string, error) {
			unit, err := sites.Resolve(raw)
			if err != nil {
				return "", "", err
			}
			return unit.Key, unit.PrimaryKey, nil
		},
		Notify:  observers.Publish,
		Logger:  logger,
		Metrics: rt.metrics,
	}
	if g.LegacyStorePath != "" {
		rt.legacy, err = migration.OpenBoltSource(g.LegacyStorePath)
		if err != nil {
			return rt, err
		}
		adapterOpts.Source = rt.legacy
	}
	rt.adapter, err = migration.NewAdapter(adapterOpts)
	if err != nil {
		return rt, err
	}

	rt.manager, err = cachegroup.New(cachegroup.Options{
		Sites:         sites,
		Meta:          rt.meta,
		Store:         store,
		Fetcher:       fetcher,
		Migrator:      rt.adapter,
		Observers:     observers,
		MaxConcurrent: g.MaxConcurrentDownloads,
		Logger:        logger,
		Metrics:       rt.metrics,
	})
	if err != nil {
		return rt, err
	}
	return rt, nil
}

func openContentStore(ctx context.Context, g config.GlobalConfig) (content.Store, error) {
	if g.ContentBackend != config.ContentBackendS3 {
		return content.NewFSStore(g.StoragePath)
	}
	store, err := content.NewS3Store(content.S3Options{
		Endpoint:  g.S3Endpoint,
		AccessKey: g.S3AccessKey,
		SecretKey: g.S3SecretKey,
		Bucket:    g.S3Bucket,
		Region:    g.S3Region,
		UseSSL:    g.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Close 按构建的逆序释放资源，可重复调用。
func (rt *runtimeDeps) Close() {
	if rt == nil {
		return
	}
	if rt.manager != nil {
		_ = rt.manager.Close()
		rt.manager = nil
	}
	if rt.legacy != nil {
		if err := rt.legacy.Close(); err != nil {
			rt.logger.WithField("action", "shutdown").Warnf("close legacy store: %v", err)
		}
		rt.legacy = nil
	}
	if rt.meta != nil {
		if err := rt.meta.Close(); err != nil {
			rt.logger.WithField("action", "shutdown").Warnf("close metadata: %v", err)
		}
		rt.meta = nil
	}
	if rt.lock != nil {
		if err := rt.lock.Unlock(); err != nil {
			rt.logger.WithField("action", "shutdown").Warnf("release storage lock: %v", err)
		}
		rt.lock = nil
	}
}
