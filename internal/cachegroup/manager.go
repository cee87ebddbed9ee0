// Package cachegroup 是缓存子系统的对外入口：按文章开启/关闭缓存、查询缓存状态、
// 订阅变更通知，以及周期性地对账元数据与正文存储。
//
// SetCached 只负责把第一步元数据变更按调用顺序排入串行队列，随后立即返回；
// 清单拉取与下载/删除都在后台完成，结果通过变更通知观察。
package cachegroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/coordinator"
	"github.com/any-hub/readcache/internal/logging"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/metrics"
	"github.com/any-hub/readcache/internal/site"
)

// ErrNotCached 表示条目不存在或尚未下载。
var ErrNotCached = errors.New("item not cached")

// Options 描述 Manager 的依赖。
type Options struct {
	Sites         *site.Registry
	Meta          *metadata.Store
	Store         content.Store
	Fetcher       coordinator.Fetcher
	Migrator      coordinator.Migrator
	Observers     *Observers
	MaxConcurrent int
	EventCapacity int
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

// Manager 实现 IsCached/SetCached 等公开操作。
type Manager struct {
	sites     *site.Registry
	meta      *metadata.Store
	store     content.Store
	coord     *coordinator.Coordinator
	observers *Observers
	events    *EventLog
	logger    *logrus.Logger
	metrics   *metrics.Metrics

	wg     conc.WaitGroup
	loops  conc.WaitGroup
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// New 构造 Manager 及其内部的 Coordinator。
func New(opts Options) (*Manager, error) {
	if opts.Sites == nil {
		return nil, errors.New("site registry required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Observers == nil {
		opts.Observers = NewObservers()
	}

	m := &Manager{
		sites:     opts.Sites,
		meta:      opts.Meta,
		store:     opts.Store,
		observers: opts.Observers,
		events:    NewEventLog(opts.EventCapacity),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	coord, err := coordinator.New(coordinator.Options{
		Meta:          opts.Meta,
		Store:         opts.Store,
		Fetcher:       opts.Fetcher,
		Migrator:      opts.Migrator,
		Notify:        m.observers.Publish,
		MaxConcurrent: opts.MaxConcurrent,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	m.coord = coord
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.observers.Subscribe(m.events.Append)
	return m, nil
}

// Subscribe 注册变更通知回调。
func (m *Manager) Subscribe(fn func(metadata.Change)) func() {
	return m.observers.Subscribe(fn)
}

// Events 返回事件日志。
func (m *Manager) Events() *EventLog {
	return m.events
}

// Sites 返回站点注册表。
func (m *Manager) Sites() *site.Registry {
	return m.sites
}

// Resolve 将文章地址解析为 Unit。
func (m *Manager) Resolve(rawURL string) (site.Unit, error) {
	return m.sites.Resolve(rawURL)
}

// IsCached 当分组存在且主条目已下载时返回 true。
func (m *Manager) IsCached(ctx context.Context, rawURL string) (bool, error) {
	unit, err := m.sites.Resolve(rawURL)
	if err != nil {
		return false, err
	}
	cached := false
	err = m.meta.Do(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.Group(unit.Key); err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil
			}
			return err
		}
		item, err := tx.Item(unit.PrimaryKey)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil
			}
			return err
		}
		cached = item.IsDownloaded && !item.IsPendingDelete
		return nil
	})
	return cached, err
}

// SetCached 开启或关闭一篇文章的缓存。地址无法解析时同步返回错误，其余工作在后台完成。
func (m *Manager) SetCached(ctx context.Context, rawURL string, enabled bool) error {
	unit, err := m.sites.Resolve(rawURL)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("cache manager closed")
	}

	m.logger.WithFields(logging.GroupFields("set_cached", unit.Key, enabled)).Info("set_cached")
	if enabled {
		m.enable(unit)
	} else {
		m.disable(unit)
	}
	return nil
}

// enable 第一步（分组 + 主条目）按调用顺序入队，后续步骤在后台执行。
func (m *Manager) enable(unit site.Unit) {
	created := m.meta.Submit(m.ctx, func(tx *metadata.Tx) error {
		if _, err := tx.FetchOrCreateGroup(unit.Key); err != nil {
			return err
		}
		if _, err := tx.FetchOrCreateItem(unit.PrimaryKey); err != nil {
			return err
		}
		_, err := tx.AddToGroup(unit.Key, unit.PrimaryKey)
		return err
	})

	m.wg.Go(func() {
		fields := logging.GroupFields("enable", unit.Key, true)
		if err := <-created; err != nil {
			m.logger.WithFields(fields).Errorf("enable_failed: %v", err)
			return
		}

		aux, err := m.coord.ResolveAuxiliary(m.ctx, unit)
		if err != nil {
			m.logger.WithFields(fields).Warnf("manifest_partial: %v", err)
		}

		var pending []string
		err = m.meta.Do(m.ctx, func(tx *metadata.Tx) error {
			pending = pending[:0]
			if _, err := tx.Group(unit.Key); err != nil {
				// 清单拉取期间分组已被关闭。
				if errors.Is(err, metadata.ErrNotFound) {
					return nil
				}
				return err
			}
			for _, key := range aux {
				if _, err := tx.FetchOrCreateItem(key); err != nil {
					return err
				}
				if _, err := tx.AddToGroup(unit.Key, key); err != nil {
					return err
				}
			}
			items, err := tx.GroupItems(unit.Key)
			if err != nil {
				return err
			}
			for _, item := range items {
				if !item.IsDownloaded && !item.IsPendingDelete {
					pending = append(pending, item.Key)
				}
			}
			return nil
		})
		if err != nil {
			m.logger.WithFields(fields).Errorf("enable_failed: %v", err)
			return
		}
		for _, key := range pending {
			m.coord.ScheduleDownload(key)
		}
		m.logger.WithFields(fields).WithField("items", len(aux)+1).Debug("enable_scheduled")
	})
}

// disable 引用计数恰为 1 的条目标记为 pending-delete 并删除，共享条目只解除本分组引用。
func (m *Manager) disable(unit site.Unit) {
	var deletes []string
	removed := m.meta.Submit(m.ctx, func(tx *metadata.Tx) error {
		deletes = deletes[:0]
		if _, err := tx.Group(unit.Key); err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil
			}
			return err
		}
		items, err := tx.GroupItems(unit.Key)
		if err != nil {
			return err
		}
		for i := range items {
			item := items[i]
			if item.RefCount != 1 {
				continue
			}
			item.IsPendingDelete = true
			if err := tx.SaveItem(&item); err != nil {
				return err
			}
			deletes = append(deletes, item.Key)
		}
		return tx.DeleteGroup(unit.Key)
	})

	m.wg.Go(func() {
		fields := logging.GroupFields("disable", unit.Key, false)
		if err := <-removed; err != nil {
			m.logger.WithFields(fields).Errorf("disable_failed: %v", err)
			return
		}
		for _, key := range deletes {
			m.coord.ScheduleDelete(key)
		}
		m.logger.WithFields(fields).WithField("deletes", len(deletes)).Debug("disable_scheduled")
	})
}

// Item 返回条目元数据。
func (m *Manager) Item(ctx context.Context, key string) (*metadata.Item, error) {
	var item *metadata.Item
	err := m.meta.Do(ctx, func(tx *metadata.Tx) error {
		var err error
		item, err = tx.Item(key)
		return err
	})
	return item, err
}

// Open 返回已下载条目的正文；未下载时返回 ErrNotCached。
func (m *Manager) Open(ctx context.Context, key string) (*content.ReadResult, error) {
	item, err := m.Item(ctx, key)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	if !item.IsDownloaded || item.IsPendingDelete {
		return nil, ErrNotCached
	}
	result, err := m.store.Read(ctx, key)
	if err != nil {
		if errors.Is(err, content.ErrNotFound) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	return result, nil
}

// GroupItems 返回文章分组当前引用的条目。
func (m *Manager) GroupItems(ctx context.Context, rawURL string) ([]metadata.Item, error) {
	unit, err := m.sites.Resolve(rawURL)
	if err != nil {
		return nil, err
	}
	var items []metadata.Item
	err = m.meta.Do(ctx, func(tx *metadata.Tx) error {
		var err error
		items, err = tx.GroupItems(unit.Key)
		return err
	})
	return items, err
}

// Groups 返回全部已开启缓存的文章分组。
func (m *Manager) Groups(ctx context.Context) ([]metadata.Group, error) {
	var groups []metadata.Group
	err := m.meta.Do(ctx, func(tx *metadata.Tx) error {
		var err error
		groups, err = tx.Groups()
		return err
	})
	return groups, err
}

// Stats 返回元数据统计，并刷新存量指标。
func (m *Manager) Stats(ctx context.Context) (metadata.Stats, error) {
	var stats metadata.Stats
	err := m.meta.Do(ctx, func(tx *metadata.Tx) error {
		var err error
		stats, err = tx.Stats()
		return err
	})
	if err == nil {
		m.metrics.ObserveStats(stats)
	}
	return stats, err
}

// InFlight 返回在途下载数量。
func (m *Manager) InFlight() int {
	return m.coord.InFlight()
}

// Wait 等待所有后台开关任务及其触发的下载/删除完成。
func (m *Manager) Wait() {
	m.wg.Wait()
	m.coord.Wait()
}

// Close 停止接收新请求，取消后台任务并等待退出。
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	m.mu.Unlock()

	m.loops.Wait()
	m.wg.Wait()
	m.coord.Close()
	return nil
}

func joinf(errs []error, format string, args ...any) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, errors.Join(errs...))...)
}
