package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrDataMissing 表示旧数据源中找不到条目，或记录已损坏。
var ErrDataMissing = errors.New("migration data missing")

// Record 是旧数据源中的一篇文章。
type Record struct {
	Key         string
	Content     []byte
	ContentType string
	SavedAt     time.Time
}

// Source 抽象旧版离线文章存储。
type Source interface {
	Keys(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) (*Record, error)
	Remove(ctx context.Context, key string) error
}

var bucketArticles = []byte("articles")

// boltRecord 是 articles bucket 中的 JSON 值。
type boltRecord struct {
	HTML        string    `json:"html"`
	ContentType string    `json:"content_type,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// BoltSource 读取旧版 bbolt 数据库：bucket articles，key 为文章地址。
type BoltSource struct {
	db *bolt.DB
}

// OpenBoltSource 打开（必要时创建）旧版数据库。
func OpenBoltSource(path string) (*BoltSource, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open legacy store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArticles)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltSource{db: db}, nil
}

// Close 关闭数据库。
func (s *BoltSource) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Keys 返回全部文章地址（按字典序）。
func (s *BoltSource) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArticles).ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(k))
			return nil
		})
	})
	sort.Strings(keys)
	return keys, err
}

// Load 读取一篇文章；不存在或无法解码时返回 ErrDataMissing。
func (s *BoltSource) Load(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketArticles).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrDataMissing, key)
	}
	var rec boltRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDataMissing, key, err)
	}
	return &Record{
		Key:         key,
		Content:     []byte(rec.HTML),
		ContentType: rec.ContentType,
		SavedAt:     rec.SavedAt,
	}, nil
}

// Put 写入一篇文章，供导入工具与测试使用。
func (s *BoltSource) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(boltRecord{
		HTML:        string(rec.Content),
		ContentType: rec.ContentType,
		SavedAt:     rec.SavedAt,
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArticles).Put([]byte(rec.Key), data)
	})
}

// Remove 删除一篇文章，不存在时视为成功。
func (s *BoltSource) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArticles).Delete([]byte(key))
	})
}
