package content

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const s3Bucket = "articles"

type s3Object struct {
	body        []byte
	contentType string
	modTime     time.Time
}

// s3Stub 是只覆盖 S3Store 所用请求的内存 S3 服务，路径风格寻址。
type s3Stub struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string]s3Object
	denyList bool
}

func newS3Stub(t *testing.T) (*s3Stub, *S3Store) {
	t.Helper()
	stub := &s3Stub{
		buckets: make(map[string]bool),
		objects: make(map[string]s3Object),
	}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(S3Options{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "readcache",
		SecretKey: "readcache-secret",
		Bucket:    s3Bucket,
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	return stub, store
}

func (s *s3Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, object, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	query := r.URL.Query()
	switch {
	case object == "" && query.Has("location"):
		writeS3XML(w, http.StatusOK, `<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
	case object == "" && r.Method == http.MethodHead:
		if !s.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case object == "" && r.Method == http.MethodPut:
		s.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case object == "" && r.Method == http.MethodGet:
		if s.denyList {
			writeS3XML(w, http.StatusForbidden, `<Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
			return
		}
		s.list(w, bucket, query.Get("prefix"))
	case r.Method == http.MethodPut:
		body, err := readS3Payload(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.objects[object] = s3Object{body: body, contentType: r.Header.Get("Content-Type"), modTime: time.Now().UTC()}
		w.Header().Set("ETag", `"stub-etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		obj, ok := s.objects[object]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3XML(w, http.StatusNotFound, fmt.Sprintf(
				`<Error><Code>NoSuchKey</Code><Message>missing</Message><Key>%s</Key><BucketName>%s</BucketName></Error>`,
				object, bucket))
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.body)))
		w.Header().Set("Last-Modified", obj.modTime.Format(http.TimeFormat))
		w.Header().Set("ETag", `"stub-etag"`)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(obj.body)
		}
	case r.Method == http.MethodDelete:
		delete(s.objects, object)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (s *s3Stub) list(w http.ResponseWriter, bucket, prefix string) {
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>",
		bucket, prefix, len(keys))
	for _, key := range keys {
		obj := s.objects[key]
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><LastModified>%s</LastModified><ETag>&quot;stub-etag&quot;</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>",
			key, obj.modTime.Format("2006-01-02T15:04:05.000Z"), len(obj.body))
	}
	b.WriteString("</ListBucketResult>")
	writeS3XML(w, http.StatusOK, b.String())
}

func (s *s3Stub) put(key string, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = s3Object{body: []byte(body), contentType: "text/plain", modTime: time.Now().UTC()}
}

func (s *s3Stub) hasBucket(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[name]
}

func (s *s3Stub) setDenyList(deny bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyList = deny
}

func writeS3XML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// readS3Payload 读取 PUT 请求体，兼容 aws-chunked 分块编码。
func readS3Payload(r *http.Request) ([]byte, error) {
	streaming := strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") ||
		strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
	if !streaming {
		return io.ReadAll(r.Body)
	}
	reader := bufio.NewReader(r.Body)
	var body []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return body, nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(reader, chunk); err != nil {
			return nil, err
		}
		body = append(body, chunk...)
		if _, err := reader.Discard(2); err != nil {
			return nil, err
		}
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(S3Options{Endpoint: "minio.local:9000"})
	require.Error(t, err)

	store, err := NewS3Store(S3Options{Endpoint: "minio.local:9000", Bucket: s3Bucket})
	require.NoError(t, err)
	require.Equal(t, "data/"+HashKey("k"), objectName(HashKey("k")))
	require.NotNil(t, store)
}

func TestS3StoreEnsureBucketCreatesOnce(t *testing.T) {
	stub, store := newS3Stub(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureBucket(ctx))
	require.True(t, stub.hasBucket(s3Bucket))
	require.NoError(t, store.EnsureBucket(ctx))
}

func TestS3StoreWriteAndRead(t *testing.T) {
	_, store := newS3Stub(t)
	ctx := context.Background()
	key := "https://en.example.org/wiki/A"

	temp := stageString(t, t.TempDir(), "<html>hello</html>")
	entry, err := store.Write(ctx, key, temp, "text/html")
	require.NoError(t, err)
	require.Equal(t, HashKey(key), entry.Hash)
	require.EqualValues(t, 18, entry.SizeBytes)

	_, err = os.Stat(temp)
	require.True(t, errors.Is(err, os.ErrNotExist), "临时文件应被接管")

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	result, err := store.Read(ctx, key)
	require.NoError(t, err)
	defer result.Reader.Close()
	body, err := io.ReadAll(result.Reader)
	require.NoError(t, err)
	require.Equal(t, "<html>hello</html>", string(body))
	require.Equal(t, "text/html", result.Entry.ContentType)
	require.EqualValues(t, 18, result.Entry.SizeBytes)
}

func TestS3StoreMissingKeyAndIdempotentRemove(t *testing.T) {
	_, store := newS3Stub(t)
	ctx := context.Background()

	_, err := store.Read(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	exists, err := store.Exists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, store.Remove(ctx, "missing"))

	_, err = store.Write(ctx, "k", stageString(t, t.TempDir(), "one"), "")
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, "k"))
	require.NoError(t, store.Remove(ctx, "k"))
	exists, err = store.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestS3StoreHashesAndRemoveHash(t *testing.T) {
	stub, store := newS3Stub(t)
	ctx := context.Background()
	staging := filepath.Join(t.TempDir(), "staging")

	_, err := store.Write(ctx, "a", stageString(t, staging, "aa"), "")
	require.NoError(t, err)
	_, err = store.Write(ctx, "b", stageString(t, staging, "bb"), "")
	require.NoError(t, err)
	stub.put("data/not-a-hash", "x")
	stub.put("other/"+HashKey("c"), "x")

	hashes, err := store.Hashes(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{HashKey("a"), HashKey("b")}, hashes)

	require.NoError(t, store.RemoveHash(ctx, HashKey("a")))
	hashes, err = store.Hashes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{HashKey("b")}, hashes)

	require.Error(t, store.RemoveHash(ctx, "../escape"))
}

func TestS3StoreHashesSurfacesListFailure(t *testing.T) {
	stub, store := newS3Stub(t)
	ctx := context.Background()

	_, err := store.Write(ctx, "a", stageString(t, t.TempDir(), "aa"), "")
	require.NoError(t, err)
	stub.setDenyList(true)

	_, err = store.Hashes(ctx)
	require.ErrorIs(t, err, ErrIOFailure)
}
