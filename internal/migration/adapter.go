package migration

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/logging"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/metrics"
)

// ErrPendingDelete 表示目标条目正在删除，本次导入需稍后重试。
var ErrPendingDelete = errors.New("item pending delete")

// Resolver 把旧数据源中的地址映射为分组键与条目键。
type Resolver func(raw string) (groupKey, itemKey string, err error)

// IdentityResolver 分组键与条目键都使用原始地址。
func IdentityResolver(raw string) (string, string, error) {
	return raw, raw, nil
}

// Options 描述 Adapter 的依赖。
type Options struct {
	Meta       *metadata.Store
	Store      content.Store
	StagingDir string
	Source     Source
	Converter  Converter
	Resolver   Resolver
	Notify     func(metadata.Change)
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
}

// Adapter 实现迁移导入，同时作为 coordinator.Migrator 接管 fromMigration 条目。
type Adapter struct {
	meta      *metadata.Store
	store     content.Store
	staging   string
	source    Source
	converter Converter
	resolve   Resolver
	notify    func(metadata.Change)
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// NewAdapter 构造 Adapter。Source 可以为空，此时 Resume 总是返回 ErrDataMissing。
func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Meta == nil || opts.Store == nil {
		return nil, errors.New("migration adapter requires metadata and content stores")
	}
	if opts.StagingDir == "" {
		return nil, errors.New("migration adapter requires a staging dir")
	}
	if opts.Converter == nil {
		opts.Converter = PassthroughConverter{}
	}
	if opts.Resolver == nil {
		opts.Resolver = IdentityResolver
	}
	if opts.Notify == nil {
		opts.Notify = func(metadata.Change) {}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Adapter{
		meta:      opts.Meta,
		store:     opts.Store,
		staging:   opts.StagingDir,
		source:    opts.Source,
		converter: opts.Converter,
		resolve:   opts.Resolver,
		notify:    opts.Notify,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// Ingest 将已取得的正文写入缓存：先建立分组与条目并标记 fromMigration，
// 正文写入成功后清除标记并置为已下载。任何失败都保留 fromMigration。
// 条目已经通过网络下载时直接返回 nil。
func (a *Adapter) Ingest(ctx context.Context, unitKey string, body []byte, contentType string) (err error) {
	defer func() { a.metrics.ObserveMigration(err) }()

	groupKey, itemKey, err := a.resolve(unitKey)
	if err != nil {
		return err
	}
	fields := logging.ItemFields("migrate", itemKey)

	skip := false
	err = a.meta.Do(ctx, func(tx *metadata.Tx) error {
		skip = false
		if _, err := tx.FetchOrCreateGroup(groupKey); err != nil {
			return err
		}
		item, err := tx.FetchOrCreateItem(itemKey)
		if err != nil {
			return err
		}
		if item.IsPendingDelete {
			return fmt.Errorf("%w: %s", ErrPendingDelete, itemKey)
		}
		if _, err := tx.AddToGroup(groupKey, itemKey); err != nil {
			return err
		}
		if item.IsDownloaded && !item.FromMigration {
			skip = true
			return nil
		}
		if item.FromMigration {
			return nil
		}
		item.FromMigration = true
		return tx.SaveItem(item)
	})
	if err != nil {
		return err
	}
	if skip {
		a.logger.WithFields(fields).Debug("migrate_skipped_already_downloaded")
		return nil
	}

	if len(body) == 0 {
		return fmt.Errorf("%w: empty content for %s", ErrDataMissing, itemKey)
	}
	tempPath, _, err := content.Stage(ctx, a.staging, bytes.NewReader(body))
	if err != nil {
		return err
	}
	entry, err := a.store.Write(ctx, itemKey, tempPath, contentType)
	if err != nil {
		a.logger.WithFields(fields).Warnf("migrate_write_failed: %v", err)
		return err
	}

	discarded := false
	err = a.meta.Do(ctx, func(tx *metadata.Tx) error {
		discarded = false
		item, err := tx.Item(itemKey)
		if errors.Is(err, metadata.ErrNotFound) {
			discarded = true
			return nil
		}
		if err != nil {
			return err
		}
		if item.IsPendingDelete || item.Orphan() {
			discarded = true
			return nil
		}
		item.FromMigration = false
		item.IsDownloaded = true
		item.ContentType = entry.ContentType
		item.Size = entry.SizeBytes
		return tx.SaveItem(item)
	})
	if err != nil {
		return err
	}
	if discarded {
		if rmErr := a.store.Remove(ctx, itemKey); rmErr != nil {
			a.logger.WithFields(fields).Warnf("migrate_discard_failed: %v", rmErr)
		}
		a.logger.WithFields(fields).Info("migrate_discarded")
		return nil
	}

	change := metadata.Change{ItemKey: itemKey, IsDownloaded: true}
	a.metrics.ObserveNotification(change)
	a.notify(change)
	a.logger.WithFields(fields).WithField("bytes", entry.SizeBytes).Info("migrate_completed")
	return nil
}

// Resume 为仍带 fromMigration 标记的条目重新执行导入：依次用条目所属分组键和
// 条目键在旧数据源中查找，成功导入后删除旧记录。
func (a *Adapter) Resume(ctx context.Context, itemKey string) error {
	if a.source == nil {
		return fmt.Errorf("%w: no legacy source for %s", ErrDataMissing, itemKey)
	}
	var groups []string
	err := a.meta.Do(ctx, func(tx *metadata.Tx) error {
		var err error
		groups, err = tx.ItemGroups(itemKey)
		return err
	})
	if err != nil {
		return err
	}

	for _, key := range append(groups, itemKey) {
		rec, err := a.source.Load(ctx, key)
		if errors.Is(err, ErrDataMissing) {
			continue
		}
		if err != nil {
			return err
		}
		if err := a.importRecord(ctx, rec); err != nil {
			return err
		}
		return nil
	}
	a.metrics.ObserveMigration(ErrDataMissing)
	return fmt.Errorf("%w: %s", ErrDataMissing, itemKey)
}

// importRecord 转换并导入一条旧记录，成功后才删除旧记录。
func (a *Adapter) importRecord(ctx context.Context, rec *Record) error {
	body, contentType, err := a.converter.Convert(ctx, rec)
	if err != nil {
		return fmt.Errorf("convert %s: %w", rec.Key, err)
	}
	if err := a.Ingest(ctx, rec.Key, body, contentType); err != nil {
		return err
	}
	if err := a.source.Remove(ctx, rec.Key); err != nil {
		a.logger.WithFields(logging.ItemFields("migrate", rec.Key)).Warnf("legacy_remove_failed: %v", err)
	}
	return nil
}
