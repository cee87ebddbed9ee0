package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/any-hub/readcache/internal/fetch"
	"github.com/any-hub/readcache/internal/logging"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/metrics"
)

// Download 同步下载一个条目。条目不存在、处于删除中或已下载时直接返回 nil；
// 迁移来源条目交给 Migrator，不会发起网络请求。失败时条目状态保持不变。
func (c *Coordinator) Download(ctx context.Context, key string) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	item, err := c.loadItem(ctx, key)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		return err
	}
	if item.IsPendingDelete || item.IsDownloaded {
		return nil
	}
	if item.FromMigration {
		if c.migrator == nil {
			return ErrNoMigrator
		}
		return c.migrator.Resume(ctx, key)
	}

	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	done := c.metrics.DownloadStarted()
	defer done()

	start := time.Now()
	res, err := c.fetcher.FetchResource(ctx, key)
	if err != nil {
		c.metrics.ObserveDownload(metrics.ResultFailure, 0, 0)
		return err
	}
	if res.Size == 0 {
		_ = os.Remove(res.TempPath)
		c.metrics.ObserveDownload(metrics.ResultFailure, 0, 0)
		return fmt.Errorf("%w: empty body for %s", fetch.ErrFetchFailure, key)
	}
	entry, err := c.store.Write(ctx, key, res.TempPath, res.ContentType)
	if err != nil {
		c.metrics.ObserveDownload(metrics.ResultFailure, 0, 0)
		return err
	}
	// 已下载的条目必须有非空正文。
	if entry.SizeBytes == 0 {
		c.metrics.ObserveDownload(metrics.ResultFailure, 0, 0)
		if err := c.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("discard empty payload: %w", err)
		}
		return fmt.Errorf("%w: empty payload for %s", fetch.ErrFetchFailure, key)
	}

	finalized := false
	err = c.meta.Do(ctx, func(tx *metadata.Tx) error {
		current, err := tx.Item(key)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.IsPendingDelete || current.Orphan() {
			return nil
		}
		current.IsDownloaded = true
		current.FromMigration = false
		current.ContentType = entry.ContentType
		current.Size = entry.SizeBytes
		if err := tx.SaveItem(current); err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		// 正文已写入但标志未落盘：条目仍为未下载，下一轮对账会重新下载。
		c.metrics.ObserveDownload(metrics.ResultFailure, 0, 0)
		return err
	}
	if !finalized {
		c.metrics.ObserveDownload(metrics.ResultDiscarded, 0, 0)
		c.logger.WithFields(logging.ItemFields("download", key)).Info("download_discarded")
		if err := c.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("discard payload: %w", err)
		}
		return nil
	}

	c.metrics.ObserveDownload(metrics.ResultSuccess, entry.SizeBytes, since(start))
	c.logger.WithFields(logging.ItemFields("download", key)).WithField("size", entry.SizeBytes).Debug("download_completed")
	c.emit(metadata.Change{ItemKey: key, IsDownloaded: true})
	return nil
}

// Delete 删除条目正文并收尾元数据。只处理 pending-delete 条目；
// 正文删除失败时保留记录等待下一轮重试。删除期间若条目被重新引用，
// 记录保留并重新调度下载。
func (c *Coordinator) Delete(ctx context.Context, key string) error {
	redownload, err := c.deleteLocked(ctx, key)
	if err != nil {
		return err
	}
	if redownload {
		c.ScheduleDownload(key)
	}
	return nil
}

func (c *Coordinator) deleteLocked(ctx context.Context, key string) (bool, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	item, err := c.loadItem(ctx, key)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		// 没有记录的正文一律清理。
		return false, c.store.Remove(ctx, key)
	case err != nil:
		return false, err
	case !item.IsPendingDelete:
		return false, nil
	}

	if err := c.store.Remove(ctx, key); err != nil {
		c.metrics.ObserveDelete(err)
		return false, err
	}
	c.metrics.ObserveDelete(nil)

	var (
		existed    bool
		redownload bool
	)
	err = c.meta.Do(ctx, func(tx *metadata.Tx) error {
		current, err := tx.Item(key)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		existed = true
		if !current.Orphan() {
			current.IsPendingDelete = false
			current.IsDownloaded = false
			current.Size = 0
			redownload = true
			return tx.SaveItem(current)
		}
		return tx.DeleteItem(key)
	})
	if err != nil {
		return false, err
	}
	if existed {
		c.logger.WithFields(logging.ItemFields("delete", key)).WithField("rereferenced", redownload).Debug("delete_completed")
		c.emit(metadata.Change{ItemKey: key, IsDownloaded: false})
	}
	return redownload, nil
}

func (c *Coordinator) loadItem(ctx context.Context, key string) (*metadata.Item, error) {
	var item *metadata.Item
	err := c.meta.Do(ctx, func(tx *metadata.Tx) error {
		var err error
		item, err = tx.Item(key)
		return err
	})
	return item, err
}
