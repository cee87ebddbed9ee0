package cachegroup

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/readcache/internal/fetch"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/site"
)

func TestEnableCreatesGroupAndDownloadsAllItems(t *testing.T) {
	f := newFixture(t)
	f.fetcher.manifests["A|mobile-html-offline-resources"] = []string{r1}
	f.fetcher.manifests["A|media-list"] = []string{r2}
	f.fetcher.gate = make(chan struct{})
	f.fetcher.entered = make(chan string, 3)

	require.NoError(t, f.manager.SetCached(context.Background(), unitA, true))

	// 下载被闸住时：三个条目均已建档且未下载。
	<-f.fetcher.entered
	items := f.groupItems(t, unitA)
	require.Len(t, items, 3)
	for _, item := range items {
		require.False(t, item.IsDownloaded, item.Key)
	}

	close(f.fetcher.gate)
	f.manager.Wait()

	items = f.groupItems(t, unitA)
	require.Len(t, items, 3)
	for _, item := range items {
		require.True(t, item.IsDownloaded, item.Key)
		require.True(t, f.exists(t, item.Key))
	}

	changes := f.changes.snapshot()
	require.Len(t, changes, 3)
	for _, change := range changes {
		require.True(t, change.IsDownloaded)
	}

	cached, err := f.manager.IsCached(context.Background(), unitA)
	require.NoError(t, err)
	require.True(t, cached)
}

func TestEnableTwiceDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.fetcher.manifests["A|media-list"] = []string{r2}

	f.enable(t, unitA, true)
	f.enable(t, "https://en.example.org/wiki/A#Section", true)

	stats, err := f.manager.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Groups)
	require.Equal(t, 2, stats.Items)
	require.Equal(t, 1, f.item(t, r2).RefCount)
	require.Equal(t, 1, f.fetcher.callCount(primaryA), "已下载条目不应重复抓取")

	groups, err := f.manager.Groups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, unitA, groups[0].Key)
}

func TestSharedItemSurvivesUntilLastGroup(t *testing.T) {
	f := newFixture(t)
	f.fetcher.manifests["A|mobile-html-offline-resources"] = []string{r1}
	f.fetcher.manifests["B|mobile-html-offline-resources"] = []string{r1}

	f.enable(t, unitA, true)
	f.enable(t, unitB, true)
	require.Equal(t, 2, f.item(t, r1).RefCount)

	f.enable(t, unitA, false)
	shared := f.item(t, r1)
	require.NotNil(t, shared)
	require.True(t, shared.IsDownloaded)
	require.False(t, shared.IsPendingDelete)
	require.Equal(t, 1, shared.RefCount)
	require.True(t, f.exists(t, r1))
	require.Nil(t, f.item(t, primaryA), "A 独占的主条目应被删除")
	require.False(t, f.exists(t, primaryA))

	f.enable(t, unitB, false)
	require.Nil(t, f.item(t, r1))
	require.False(t, f.exists(t, r1))

	stats, err := f.manager.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Groups)
	require.Zero(t, stats.Items)
}

func TestDisableEmitsDeleteNotifications(t *testing.T) {
	f := newFixture(t)
	f.enable(t, unitA, true)
	f.enable(t, unitA, false)

	changes := f.changes.snapshot()
	require.Equal(t, []metadata.Change{
		{ItemKey: primaryA, IsDownloaded: true},
		{ItemKey: primaryA, IsDownloaded: false},
	}, changes)

	cached, err := f.manager.IsCached(context.Background(), unitA)
	require.NoError(t, err)
	require.False(t, cached)

	// 关闭不存在的分组是 no-op。
	f.enable(t, unitA, false)
}

func TestToggleOffWhileDownloadInFlight(t *testing.T) {
	f := newFixture(t)
	f.fetcher.gate = make(chan struct{})
	f.fetcher.entered = make(chan string, 1)

	require.NoError(t, f.manager.SetCached(context.Background(), unitA, true))
	<-f.fetcher.entered
	require.NoError(t, f.manager.SetCached(context.Background(), unitA, false))
	close(f.fetcher.gate)
	f.manager.Wait()

	require.Nil(t, f.item(t, primaryA))
	require.False(t, f.exists(t, primaryA), "关闭后完成的下载不应复活正文")
	for _, change := range f.changes.snapshot() {
		require.False(t, change.IsDownloaded)
	}
}

func TestManifestFailureDoesNotAbortOtherEndpoints(t *testing.T) {
	f := newFixture(t)
	f.fetcher.manifests["A|mobile-html-offline-resources"] = []string{r1}
	f.fetcher.failing["media-list"] = errors.Join(fetch.ErrFetchFailure, errors.New("503"))

	f.enable(t, unitA, true)
	require.Len(t, f.groupItems(t, unitA), 2)
	require.True(t, f.item(t, r1).IsDownloaded)
	require.True(t, f.item(t, primaryA).IsDownloaded)
}

func TestSetCachedRejectsUnknownSite(t *testing.T) {
	f := newFixture(t)
	err := f.manager.SetCached(context.Background(), "https://fr.example.org/wiki/A", true)
	require.ErrorIs(t, err, site.ErrUnknownSite)

	_, err = f.manager.IsCached(context.Background(), "nonsense")
	require.ErrorIs(t, err, site.ErrInvalidUnit)
}

func TestOpenServesDownloadedPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Open(context.Background(), primaryA)
	require.ErrorIs(t, err, ErrNotCached)

	f.enable(t, unitA, true)
	result, err := f.manager.Open(context.Background(), primaryA)
	require.NoError(t, err)
	defer result.Reader.Close()
	body, err := io.ReadAll(result.Reader)
	require.NoError(t, err)
	require.Equal(t, "body of "+primaryA, string(body))
	require.Equal(t, "text/plain", result.Entry.ContentType)
}

func TestCloseRejectsNewToggles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Close())
	require.Error(t, f.manager.SetCached(context.Background(), unitA, true))
}
