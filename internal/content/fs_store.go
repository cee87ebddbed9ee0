package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/any-hub/readcache/internal/keylock"
)

const typeSuffix = ".type"

// FSStore 将正文写入本地目录，布局为：
//
//	<root>/data/<h[0:2]>/<h[2:4]>/<h[4:]>        # 正文
//	<root>/data/<h[0:2]>/<h[2:4]>/<h[4:]>.type   # Content-Type
type FSStore struct {
	dataPath string
	locks    keylock.Locker
}

// NewFSStore 以 root 为根目录构建磁盘存储，整个进程复用一份实例。
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("storage path required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	dataPath := filepath.Join(abs, "data")
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return &FSStore{dataPath: dataPath}, nil
}

// Path 返回 key 对应的正文绝对路径。
func (s *FSStore) Path(key string) string {
	return s.hashPath(HashKey(key))
}

func (s *FSStore) hashPath(hash string) string {
	return filepath.Join(s.dataPath, hash[:2], hash[2:4], hash[4:])
}

func (s *FSStore) Write(ctx context.Context, key, tempPath, contentType string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		os.Remove(tempPath)
		return nil, err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	hash := HashKey(key)
	filePath := s.hashPath(hash)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	if contentType == "" {
		contentType = defaultContentType
	}
	// 先落 sidecar，正文可见时类型一定可读。
	if err := writeFileAtomic(filePath+typeSuffix, []byte(contentType)); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: write content type: %w", ErrIOFailure, err)
	}
	if err := moveIn(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return &Entry{
		Key:         key,
		Hash:        hash,
		ContentType: contentType,
		SizeBytes:   info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

func (s *FSStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	filePath := s.Path(key)
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	if err := os.Remove(filePath + typeSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return nil
}

func (s *FSStore) Read(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash := HashKey(key)
	filePath := s.hashPath(hash)

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	contentType := defaultContentType
	if raw, err := os.ReadFile(filePath + typeSuffix); err == nil && len(raw) > 0 {
		contentType = strings.TrimSpace(string(raw))
	}

	return &ReadResult{
		Entry: Entry{
			Key:         key,
			Hash:        hash,
			ContentType: contentType,
			SizeBytes:   info.Size(),
			ModTime:     info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return !info.IsDir(), nil
}

func (s *FSStore) Hashes(ctx context.Context) ([]string, error) {
	var hashes []string
	err := filepath.WalkDir(s.dataPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || strings.HasSuffix(d.Name(), typeSuffix) {
			return nil
		}
		rel, relErr := filepath.Rel(s.dataPath, path)
		if relErr != nil {
			return nil
		}
		hash := strings.ReplaceAll(filepath.ToSlash(rel), "/", "")
		if isHash(hash) {
			hashes = append(hashes, hash)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk data dir: %w", ErrIOFailure, err)
	}
	return hashes, nil
}

// RemoveHash 删除未被任何条目引用的正文文件，供孤儿清理使用。
func (s *FSStore) RemoveHash(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isHash(hash) {
		return fmt.Errorf("invalid content hash: %s", hash)
	}
	filePath := s.hashPath(hash)
	for _, p := range []string{filePath, filePath + typeSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %w", ErrIOFailure, err)
		}
	}
	return nil
}

// moveIn 优先 rename；跨设备时复制到目标目录的临时文件再 rename。
func moveIn(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tempFile, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = copyWithContext(context.Background(), tempFile, in)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, dst); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
