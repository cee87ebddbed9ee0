package content

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const objectPrefix = "data/"

// S3Options 描述 S3 兼容对象存储的连接参数。
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string // 为空时由客户端探测桶所在区域
	UseSSL    bool
}

// S3Store 与 FSStore 语义一致：对象名为 data/<hash>，Content-Type 存在对象元数据里。
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store 初始化 MinIO 客户端；不会主动探测连通性。
func NewS3Store(opts S3Options) (*S3Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket 在桶不存在时创建它，启动阶段调用一次即可。
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("%w: check bucket: %w", ErrIOFailure, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("%w: create bucket: %w", ErrIOFailure, err)
	}
	return nil
}

func objectName(hash string) string {
	return objectPrefix + hash
}

func (s *S3Store) Write(ctx context.Context, key, tempPath, contentType string) (*Entry, error) {
	defer os.Remove(tempPath)

	if contentType == "" {
		contentType = defaultContentType
	}
	hash := HashKey(key)
	// 单次 PUT 在服务端原子可见，不会暴露半写对象。
	info, err := s.client.FPutObject(ctx, s.bucket, objectName(hash), tempPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: upload %s: %w", ErrIOFailure, hash, err)
	}
	return &Entry{
		Key:         key,
		Hash:        hash,
		ContentType: contentType,
		SizeBytes:   info.Size,
		ModTime:     info.LastModified,
	}, nil
}

func (s *S3Store) Remove(ctx context.Context, key string) error {
	return s.RemoveHash(ctx, HashKey(key))
}

func (s *S3Store) RemoveHash(ctx context.Context, hash string) error {
	if !isHash(hash) {
		return fmt.Errorf("invalid content hash: %s", hash)
	}
	err := s.client.RemoveObject(ctx, s.bucket, objectName(hash), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: delete %s: %w", ErrIOFailure, hash, err)
	}
	return nil
}

func (s *S3Store) Read(ctx context.Context, key string) (*ReadResult, error) {
	hash := HashKey(key)
	obj, err := s.client.GetObject(ctx, s.bucket, objectName(hash), minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %w", ErrIOFailure, hash, err)
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: stat %s: %w", ErrIOFailure, hash, err)
	}
	contentType := stat.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	return &ReadResult{
		Entry: Entry{
			Key:         key,
			Hash:        hash,
			ContentType: contentType,
			SizeBytes:   stat.Size,
			ModTime:     stat.LastModified,
		},
		Reader: obj,
	}, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, objectName(HashKey(key)), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %w", ErrIOFailure, err)
	}
	return true, nil
}

func (s *S3Store) Hashes(ctx context.Context) ([]string, error) {
	// 提前返回时取消列举，避免 ListObjects 的后台 goroutine 阻塞。
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hashes []string
	opts := minio.ListObjectsOptions{Prefix: objectPrefix, Recursive: true}
	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("%w: list objects: %w", ErrIOFailure, object.Err)
		}
		hash := strings.TrimPrefix(object.Key, objectPrefix)
		if isHash(hash) {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
