package content

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"lukechampine.com/blake3"
)

// Store 管理正文字节。Write 接管 tempPath：无论成功失败，调用返回后临时文件都不再属于调用方。
type Store interface {
	// Write 将 tempPath 指向的文件原子地放入 key 对应的位置，最终路径上不会出现半写文件。
	Write(ctx context.Context, key, tempPath, contentType string) (*Entry, error)
	// Remove 删除 key 对应的正文；已不存在视为成功。
	Remove(ctx context.Context, key string) error
	// Read 返回可流式读取的正文，不存在时返回 ErrNotFound。
	Read(ctx context.Context, key string) (*ReadResult, error)
	// Exists 判断正文是否存在。
	Exists(ctx context.Context, key string) (bool, error)
	// Hashes 列出当前已存储的全部哈希，供孤儿文件清理使用。
	Hashes(ctx context.Context) ([]string, error)
	// RemoveHash 按哈希删除正文，用于清理没有元数据记录的文件。
	RemoveHash(ctx context.Context, hash string) error
}

// Entry 描述一次写入或读取命中的正文。
type Entry struct {
	Key         string    `json:"key,omitempty"`
	Hash        string    `json:"hash"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ModTime     time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadCloser
}

var (
	// ErrNotFound 表示正文不存在。
	ErrNotFound = errors.New("content not found")
	// ErrIOFailure 表示磁盘或对象存储读写失败，本层不会自动重试。
	ErrIOFailure = errors.New("content store io failure")
)

const defaultContentType = "application/octet-stream"

// HashKey 返回 key 的 blake3-256 十六进制摘要，所有后端以此寻址。
func HashKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func isHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
