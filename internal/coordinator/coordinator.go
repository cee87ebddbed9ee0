// Package coordinator drives per-item downloads and deletions between the
// fetch service, the content store and the metadata store.
//
// Downloads and deletes of the same key are serialized by a per-key lock.
// A download never finalizes an item that was toggled off while it ran: the
// finalizer re-reads the item on the metadata queue and discards the freshly
// written payload when the item is gone, pending delete or unreferenced.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/fetch"
	"github.com/any-hub/readcache/internal/keylock"
	"github.com/any-hub/readcache/internal/logging"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/metrics"
)

// Fetcher 是抓取服务契约。
type Fetcher interface {
	FetchManifest(ctx context.Context, siteURL, title, endpointKey string) ([]string, error)
	FetchResource(ctx context.Context, rawURL string) (*fetch.Resource, error)
}

// Migrator 接管 fromMigration 条目，保证它们永远不进入网络抓取路径。
type Migrator interface {
	Resume(ctx context.Context, itemKey string) error
}

// ErrNoMigrator 表示遇到迁移来源条目但未配置迁移适配器。
var ErrNoMigrator = errors.New("migration item without migrator")

// Options 描述 Coordinator 的依赖。
type Options struct {
	Meta          *metadata.Store
	Store         content.Store
	Fetcher       Fetcher
	Migrator      Migrator
	Notify        func(metadata.Change)
	MaxConcurrent int
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

// Coordinator 调度条目的下载与删除。
type Coordinator struct {
	meta     *metadata.Store
	store    content.Store
	fetcher  Fetcher
	migrator Migrator
	notify   func(metadata.Change)
	logger   *logrus.Logger
	metrics  *metrics.Metrics

	maxConcurrent int
	sem           chan struct{}
	locks         keylock.Locker

	mu       sync.Mutex
	inflight map[string]bool
	deleting map[string]bool

	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New 构造 Coordinator。
func New(opts Options) (*Coordinator, error) {
	if opts.Meta == nil || opts.Store == nil || opts.Fetcher == nil {
		return nil, errors.New("coordinator requires metadata store, content store and fetcher")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Notify == nil {
		opts.Notify = func(metadata.Change) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		meta:          opts.Meta,
		store:         opts.Store,
		fetcher:       opts.Fetcher,
		migrator:      opts.Migrator,
		notify:        opts.Notify,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		maxConcurrent: opts.MaxConcurrent,
		sem:           make(chan struct{}, opts.MaxConcurrent),
		inflight:      make(map[string]bool),
		deleting:      make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

func (c *Coordinator) emit(change metadata.Change) {
	c.metrics.ObserveNotification(change)
	c.notify(change)
}

// ScheduleDownload 异步下载 key。同一 key 已在下载时不再另起任务，
// 而是在当前任务结束后补跑一次，此时返回 false。
func (c *Coordinator) ScheduleDownload(key string) bool {
	return c.spawn(c.inflight, key, func() {
		if err := c.Download(c.ctx, key); err != nil {
			c.logger.WithFields(logging.ItemFields("download", key)).Warnf("download_failed: %v", err)
		}
	})
}

// ScheduleDelete 异步删除 key 的正文并收尾元数据，去重规则同 ScheduleDownload。
func (c *Coordinator) ScheduleDelete(key string) bool {
	return c.spawn(c.deleting, key, func() {
		if err := c.Delete(c.ctx, key); err != nil {
			c.logger.WithFields(logging.ItemFields("delete", key)).Warnf("delete_failed: %v", err)
		}
	})
}

// spawn 在 set 中登记 key 并启动后台任务。key 已登记时只记下补跑标记，
// 关闭后或 key 已登记时返回 false。
func (c *Coordinator) spawn(set map[string]bool, key string, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	if _, busy := set[key]; busy {
		set[key] = true
		return false
	}
	set[key] = false
	c.wg.Go(func() {
		for {
			fn()
			if !c.release(set, key) {
				return
			}
		}
	})
	return true
}

// release 在任务结束时调用：有补跑标记则清除并返回 true，否则注销 key。
func (c *Coordinator) release(set map[string]bool, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set[key] && c.ctx.Err() == nil {
		set[key] = false
		return true
	}
	delete(set, key)
	return false
}

// DownloadAll 以有界并发下载 keys，单个失败不影响其余条目，返回聚合错误。
func (c *Coordinator) DownloadAll(ctx context.Context, keys []string) error {
	p := pool.New().WithMaxGoroutines(c.maxConcurrent).WithContext(ctx)
	for _, key := range keys {
		key := key
		p.Go(func(ctx context.Context) error {
			if err := c.Download(ctx, key); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// DeleteAll 以有界并发删除 keys，返回聚合错误。
func (c *Coordinator) DeleteAll(ctx context.Context, keys []string) error {
	p := pool.New().WithMaxGoroutines(c.maxConcurrent).WithContext(ctx)
	for _, key := range keys {
		key := key
		p.Go(func(ctx context.Context) error {
			if err := c.Delete(ctx, key); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// InFlight 返回正在下载的条目数。
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Wait 等待所有已调度的后台任务结束。
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close 取消后台任务并等待其退出。
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
