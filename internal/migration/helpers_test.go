package migration

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/metadata"
)

// hookStore 在写入前执行回调，可用于观察中间状态或注入失败。
type hookStore struct {
	content.Store
	beforeWrite func(key string) error
}

func (s *hookStore) Write(ctx context.Context, key, tempPath, contentType string) (*content.Entry, error) {
	if s.beforeWrite != nil {
		if err := s.beforeWrite(key); err != nil {
			return nil, errors.Join(content.ErrIOFailure, err)
		}
	}
	return s.Store.Write(ctx, key, tempPath, contentType)
}

type notifications struct {
	mu      sync.Mutex
	changes []metadata.Change
}

func (n *notifications) add(c metadata.Change) {
	n.mu.Lock()
	n.changes = append(n.changes, c)
	n.mu.Unlock()
}

func (n *notifications) list() []metadata.Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]metadata.Change(nil), n.changes...)
}

type env struct {
	meta    *metadata.Store
	store   *hookStore
	source  *BoltSource
	adapter *Adapter
	changes *notifications
}

func newEnv(t *testing.T, converter Converter) *env {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	root := t.TempDir()
	meta, err := metadata.Open(filepath.Join(root, metadata.DBFile), logger)
	require.NoError(t, err)
	fs, err := content.NewFSStore(root)
	require.NoError(t, err)
	source, err := OpenBoltSource(filepath.Join(root, "legacy", "articles.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = source.Close()
		_ = meta.Close()
	})

	e := &env{meta: meta, store: &hookStore{Store: fs}, source: source, changes: &notifications{}}
	e.adapter, err = NewAdapter(Options{
		Meta:       meta,
		Store:      e.store,
		StagingDir: filepath.Join(root, "staging"),
		Source:     source,
		Converter:  converter,
		Notify:     e.changes.add,
		Logger:     logger,
	})
	require.NoError(t, err)
	return e
}

func (e *env) item(t *testing.T, key string) *metadata.Item {
	t.Helper()
	var item *metadata.Item
	err := e.meta.Do(context.Background(), func(tx *metadata.Tx) error {
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

func (e *env) read(t *testing.T, key string) string {
	t.Helper()
	result, err := e.store.Read(context.Background(), key)
	require.NoError(t, err)
	defer result.Reader.Close()
	body, err := io.ReadAll(result.Reader)
	require.NoError(t, err)
	return string(body)
}
