package cachegroup

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/metadata"
)

// ReconcileReport 汇总一次对账的处理结果。
type ReconcileReport struct {
	RefCountsRepaired int64 `json:"ref_counts_repaired"`
	MissingPayloads   int   `json:"missing_payloads"`
	Deleted           int   `json:"deleted"`
	Downloaded        int   `json:"downloaded"`
	OrphanFiles       int   `json:"orphan_files"`
	Errors            int   `json:"errors"`
}

// Reconcile 修复元数据与正文存储之间的不一致（进程崩溃或提交失败后）：
//  1. 已下载但正文缺失的条目重置为未下载，仍被引用时重新下载；
//  2. pending-delete 条目重试删除；
//  3. 无人引用的条目标记删除；
//  4. 仍被引用且未下载的条目补下载（迁移条目交给迁移适配器）；
//  5. 没有元数据记录的正文文件直接清理。
//
// 单个条目失败不会中断整轮，错误以 errors.Join 聚合返回。
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var (
		report ReconcileReport
		errs   []error
	)
	start := time.Now()
	fields := logrus.Fields{"action": "reconcile"}

	var downloaded []metadata.Item
	err := m.meta.Do(ctx, func(tx *metadata.Tx) error {
		fixed, err := tx.RepairRefCounts()
		if err != nil {
			return err
		}
		report.RefCountsRepaired = fixed
		downloaded, err = tx.DownloadedItems()
		return err
	})
	if err != nil {
		m.metrics.ObserveReconcile(err)
		return report, err
	}

	var missing []string
	for _, item := range downloaded {
		ok, err := m.store.Exists(ctx, item.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			missing = append(missing, item.Key)
		}
	}

	var deletes, downloads []string
	err = m.meta.Do(ctx, func(tx *metadata.Tx) error {
		deletes, downloads = deletes[:0], downloads[:0]
		for _, key := range missing {
			item, err := tx.Item(key)
			if errors.Is(err, metadata.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			item.IsDownloaded = false
			item.Size = 0
			if err := tx.SaveItem(item); err != nil {
				return err
			}
		}

		pending, err := tx.PendingDeleteItems()
		if err != nil {
			return err
		}
		for _, item := range pending {
			deletes = append(deletes, item.Key)
		}

		orphans, err := tx.OrphanItems()
		if err != nil {
			return err
		}
		for i := range orphans {
			item := orphans[i]
			item.IsPendingDelete = true
			if err := tx.SaveItem(&item); err != nil {
				return err
			}
			deletes = append(deletes, item.Key)
		}

		needing, err := tx.ItemsNeedingDownload()
		if err != nil {
			return err
		}
		for _, item := range needing {
			downloads = append(downloads, item.Key)
		}
		migrating, err := tx.MigrationItems()
		if err != nil {
			return err
		}
		for _, item := range migrating {
			if !item.Orphan() && !item.IsPendingDelete {
				downloads = append(downloads, item.Key)
			}
		}
		return nil
	})
	if err != nil {
		m.metrics.ObserveReconcile(err)
		return report, err
	}

	report.MissingPayloads = len(missing)
	for _, key := range missing {
		m.observers.Publish(metadata.Change{ItemKey: key, IsDownloaded: false})
	}

	report.Deleted = len(deletes)
	if err := m.coord.DeleteAll(ctx, deletes); err != nil {
		errs = append(errs, err)
	}
	report.Downloaded = len(downloads)
	if err := m.coord.DownloadAll(ctx, downloads); err != nil {
		errs = append(errs, err)
	}

	orphanFiles, err := m.sweepOrphanFiles(ctx)
	report.OrphanFiles = orphanFiles
	if err != nil {
		errs = append(errs, err)
	}

	report.Errors = len(errs)
	result := joinf(errs, "reconcile")
	m.metrics.ObserveReconcile(result)
	if _, statsErr := m.Stats(ctx); statsErr != nil {
		m.logger.WithFields(fields).Warnf("stats_failed: %v", statsErr)
	}

	entry := m.logger.WithFields(fields).WithFields(logrus.Fields{
		"missing":      report.MissingPayloads,
		"deleted":      report.Deleted,
		"downloaded":   report.Downloaded,
		"orphan_files": report.OrphanFiles,
		"repaired":     report.RefCountsRepaired,
		"elapsed_ms":   time.Since(start).Milliseconds(),
	})
	if result != nil {
		entry.Warnf("reconcile_completed_with_errors: %v", result)
	} else {
		entry.Info("reconcile_completed")
	}
	return report, result
}

// sweepOrphanFiles 删除哈希不对应任何条目的正文。先列文件再读条目：
// 条目记录总是先于正文创建，列表中的正文若属于有效条目，必然出现在随后读取的 key 中。
func (m *Manager) sweepOrphanFiles(ctx context.Context) (int, error) {
	hashes, err := m.store.Hashes(ctx)
	if err != nil {
		return 0, err
	}

	var keys []string
	if err := m.meta.Do(ctx, func(tx *metadata.Tx) error {
		var err error
		keys, err = tx.AllItemKeys()
		return err
	}); err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		known[content.HashKey(key)] = struct{}{}
	}

	var (
		removed int
		errs    []error
	)
	for _, hash := range hashes {
		if _, ok := known[hash]; ok {
			continue
		}
		if err := m.store.RemoveHash(ctx, hash); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// StartReconcileLoop 启动时立即对账一次，之后每隔 interval 执行；interval<=0 时只执行启动那一次。
func (m *Manager) StartReconcileLoop(ctx context.Context, interval time.Duration) {
	m.loops.Go(func() {
		if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
			m.logger.WithField("action", "reconcile").Warnf("startup_reconcile_failed: %v", err)
		}
		if interval <= 0 {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
					m.logger.WithField("action", "reconcile").Warnf("periodic_reconcile_failed: %v", err)
				}
			}
		}
	})
}
