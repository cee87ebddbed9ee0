package coordinator

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

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/fetch"
	"github.com/any-hub/readcache/internal/metadata"
)

type fakeFetcher struct {
	staging string

	mu        sync.Mutex
	bodies    map[string]string
	manifests map[string][]string
	fail      map[string]error
	calls     map[string]int
	gate      chan struct{}
	entered   chan string
}

func newFakeFetcher(t *testing.T) *fakeFetcher {
	return &fakeFetcher{
		staging:   t.TempDir(),
		bodies:    make(map[string]string),
		manifests: make(map[string][]string),
		fail:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) FetchManifest(ctx context.Context, siteURL, title, endpointKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[endpointKey]; ok {
		return nil, err
	}
	return f.manifests[endpointKey], nil
}

func (f *fakeFetcher) FetchResource(ctx context.Context, rawURL string) (*fetch.Resource, error) {
	f.mu.Lock()
	f.calls[rawURL]++
	body, ok := f.bodies[rawURL]
	failErr := f.fail[rawURL]
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- rawURL
	}
	if gate != nil {
		<-gate
	}
	if failErr != nil {
		return nil, failErr
	}
	if !ok {
		return nil, errors.Join(fetch.ErrFetchFailure, errors.New("404"))
	}
	path, size, err := content.Stage(ctx, f.staging, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &fetch.Resource{URL: rawURL, TempPath: path, ContentType: "text/html", Size: size}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recorder struct {
	mu      sync.Mutex
	changes []metadata.Change
}

func (r *recorder) notify(change metadata.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []metadata.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metadata.Change(nil), r.changes...)
}

type fakeMigrator struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (m *fakeMigrator) Resume(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return m.err
}

type harness struct {
	meta     *metadata.Store
	store    *content.FSStore
	fetcher  *fakeFetcher
	migrator *fakeMigrator
	rec      *recorder
	coord    *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	root := t.TempDir()
	meta, err := metadata.Open(filepath.Join(root, metadata.DBFile), logger)
	require.NoError(t, err)
	store, err := content.NewFSStore(root)
	require.NoError(t, err)

	h := &harness{
		meta:     meta,
		store:    store,
		fetcher:  newFakeFetcher(t),
		migrator: &fakeMigrator{},
		rec:      &recorder{},
	}
	h.coord, err = New(Options{
		Meta:          meta,
		Store:         store,
		Fetcher:       h.fetcher,
		Migrator:      h.migrator,
		Notify:        h.rec.notify,
		MaxConcurrent: 2,
		Logger:        logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.coord.Close()
		_ = meta.Close()
	})
	return h
}

// seed 创建分组 group 并把 keys 加入其中。
func (h *harness) seed(t *testing.T, group string, keys ...string) {
	t.Helper()
	require.NoError(t, h.meta.Do(context.Background(), func(tx *metadata.Tx) error {
		if _, err := tx.FetchOrCreateGroup(group); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.FetchOrCreateItem(key); err != nil {
				return err
			}
			if _, err := tx.AddToGroup(group, key); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (h *harness) item(t *testing.T, key string) *metadata.Item {
	t.Helper()
	var item *metadata.Item
	err := h.meta.Do(context.Background(), func(tx *metadata.Tx) error {
		var err error
		item, err = tx.Item(key)
		return err
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return item
}

func (h *harness) update(t *testing.T, key string, fn func(*metadata.Item)) {
	t.Helper()
	require.NoError(t, h.meta.Do(context.Background(), func(tx *metadata.Tx) error {
		item, err := tx.Item(key)
		if err != nil {
			return err
		}
		fn(item)
		return tx.SaveItem(item)
	}))
}
