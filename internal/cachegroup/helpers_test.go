package cachegroup

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/readcache/internal/config"
	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/fetch"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/site"
)

const (
	siteURL  = "https://en.example.org"
	unitA    = siteURL + "/wiki/A"
	unitB    = siteURL + "/wiki/B"
	primaryA = siteURL + "/api/rest_v1/page/mobile-html/A"
	primaryB = siteURL + "/api/rest_v1/page/mobile-html/B"
	r1       = siteURL + "/w/load.php?modules=skin"
	r2       = "https://upload.example.org/a.png"
)

type stubFetcher struct {
	staging string

	mu        sync.Mutex
	manifests map[string][]string // title|endpoint -> urls
	failing   map[string]error    // endpoint -> err
	calls     map[string]int
	gate      chan struct{}
	entered   chan string
}

func (f *stubFetcher) FetchManifest(ctx context.Context, siteURL, title, endpointKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing[endpointKey]; err != nil {
		return nil, err
	}
	return f.manifests[title+"|"+endpointKey], nil
}

func (f *stubFetcher) FetchResource(ctx context.Context, rawURL string) (*fetch.Resource, error) {
	f.mu.Lock()
	f.calls[rawURL]++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- rawURL
	}
	if gate != nil {
		<-gate
	}
	path, size, err := content.Stage(ctx, f.staging, strings.NewReader("body of "+rawURL))
	if err != nil {
		return nil, err
	}
	return &fetch.Resource{URL: rawURL, TempPath: path, ContentType: "text/plain", Size: size}, nil
}

func (f *stubFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type changeLog struct {
	mu      sync.Mutex
	changes []metadata.Change
}

func (c *changeLog) add(change metadata.Change) {
	c.mu.Lock()
	c.changes = append(c.changes, change)
	c.mu.Unlock()
}

func (c *changeLog) snapshot() []metadata.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]metadata.Change(nil), c.changes...)
}

type fixture struct {
	manager *Manager
	meta    *metadata.Store
	store   *content.FSStore
	fetcher *stubFetcher
	changes *changeLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sites, err := site.NewRegistry(&config.Config{
		Sites: []config.SiteConfig{{
			Name:      "enwiki",
			BaseURL:   siteURL,
			Endpoints: []string{"mobile-html", "mobile-html-offline-resources", "media-list"},
		}},
	})
	require.NoError(t, err)

	root := t.TempDir()
	meta, err := metadata.Open(filepath.Join(root, metadata.DBFile), logger)
	require.NoError(t, err)
	store, err := content.NewFSStore(root)
	require.NoError(t, err)

	fetcher := &stubFetcher{
		staging:   filepath.Join(root, "staging"),
		manifests: make(map[string][]string),
		failing:   make(map[string]error),
		calls:     make(map[string]int),
	}
	manager, err := New(Options{
		Sites:         sites,
		Meta:          meta,
		Store:         store,
		Fetcher:       fetcher,
		MaxConcurrent: 2,
		Logger:        logger,
	})
	require.NoError(t, err)

	f := &fixture{manager: manager, meta: meta, store: store, fetcher: fetcher, changes: &changeLog{}}
	manager.Subscribe(f.changes.add)
	t.Cleanup(func() {
		_ = manager.Close()
		_ = meta.Close()
	})
	return f
}

func (f *fixture) item(t *testing.T, key string) *metadata.Item {
	t.Helper()
	item, err := f.manager.Item(context.Background(), key)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return item
}

func (f *fixture) groupItems(t *testing.T, unit string) []metadata.Item {
	t.Helper()
	items, err := f.manager.GroupItems(context.Background(), unit)
	require.NoError(t, err)
	return items
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.store.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func (f *fixture) enable(t *testing.T, unit string, on bool) {
	t.Helper()
	require.NoError(t, f.manager.SetCached(context.Background(), unit, on))
	f.manager.Wait()
}
