package metadata

import (
	"errors"
	"time"
)

// Item 是一条缓存资源记录。
type Item struct {
	Key             string    `json:"key"`
	IsDownloaded    bool      `json:"is_downloaded"`
	IsPendingDelete bool      `json:"is_pending_delete"`
	FromMigration   bool      `json:"from_migration"`
	ContentType     string    `json:"content_type,omitempty"`
	Size            int64     `json:"size"`
	RefCount        int       `json:"ref_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Orphan 表示没有任何分组引用该条目。
func (i Item) Orphan() bool {
	return i.RefCount <= 0
}

// Group 是一个逻辑单元（一篇文章）对应的分组。
type Group struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Change 是每次持久状态变化后发出的通知。
type Change struct {
	ItemKey      string `json:"item_key"`
	IsDownloaded bool   `json:"is_downloaded"`
}

// Stats 汇总元数据规模，供 /-/status 与 CLI 使用。
type Stats struct {
	Groups        int   `json:"groups"`
	Items         int   `json:"items"`
	Downloaded    int   `json:"downloaded"`
	PendingDelete int   `json:"pending_delete"`
	FromMigration int   `json:"from_migration"`
	Bytes         int64 `json:"bytes"`
}

var (
	// ErrNotFound 表示记录不存在。
	ErrNotFound = errors.New("metadata record not found")
	// ErrCommitFailure 表示事务提交失败，内存中的判断可能已与持久状态不一致。
	ErrCommitFailure = errors.New("metadata commit failure")
	// ErrClosed 表示 Store 已关闭。
	ErrClosed = errors.New("metadata store closed")
)
