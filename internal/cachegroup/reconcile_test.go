package cachegroup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/metadata"
)

func TestReconcileRedownloadsMissingPayload(t *testing.T) {
	f := newFixture(t)
	f.enable(t, unitA, true)

	// 模拟崩溃后正文丢失：元数据仍标记已下载。
	require.NoError(t, os.Remove(f.store.Path(primaryA)))

	report, err := f.manager.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.MissingPayloads)
	require.Equal(t, 1, report.Downloaded)

	require.True(t, f.item(t, primaryA).IsDownloaded)
	require.True(t, f.exists(t, primaryA))
	changes := f.changes.snapshot()
	require.Equal(t, metadata.Change{ItemKey: primaryA, IsDownloaded: false}, changes[1])
	require.Equal(t, metadata.Change{ItemKey: primaryA, IsDownloaded: true}, changes[2])
}

func TestReconcileCleansOrphansAndPendingDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stray := filepath.Join(t.TempDir(), "stray")
	require.NoError(t, os.WriteFile(stray, []byte("stray"), 0o644))
	_, err := f.store.Write(ctx, "https://en.example.org/untracked", stray, "")
	require.NoError(t, err)

	require.NoError(t, f.meta.Do(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.FetchOrCreateItem("orphan"); err != nil {
			return err
		}
		pending, err := tx.FetchOrCreateItem("pending")
		if err != nil {
			return err
		}
		pending.IsPendingDelete = true
		return tx.SaveItem(pending)
	}))

	report, err := f.manager.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Deleted)
	require.Equal(t, 1, report.OrphanFiles)

	require.Nil(t, f.item(t, "orphan"))
	require.Nil(t, f.item(t, "pending"))
	hashes, err := f.store.Hashes(ctx)
	require.NoError(t, err)
	require.NotContains(t, hashes, content.HashKey("https://en.example.org/untracked"))
}

func TestReconcileDownloadsReferencedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.meta.Do(ctx, func(tx *metadata.Tx) error {
		if _, err := tx.FetchOrCreateGroup(unitA); err != nil {
			return err
		}
		if _, err := tx.FetchOrCreateItem(primaryA); err != nil {
			return err
		}
		_, err := tx.AddToGroup(unitA, primaryA)
		return err
	}))

	report, err := f.manager.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Downloaded)
	require.True(t, f.item(t, primaryA).IsDownloaded)
}

func TestReconcileIsNoopWhenConsistent(t *testing.T) {
	f := newFixture(t)
	f.fetcher.manifests["A|media-list"] = []string{r2}
	f.enable(t, unitA, true)
	before := len(f.changes.snapshot())

	report, err := f.manager.Reconcile(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{}, report)
	require.Len(t, f.changes.snapshot(), before)
	require.Equal(t, 1, f.fetcher.callCount(r2))
}
