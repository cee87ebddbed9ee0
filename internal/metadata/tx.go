package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tx 是串行队列中一次任务可见的事务视图，只能在任务函数内部使用。
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now func() time.Time
}

const (
	itemColumns       = `key, is_downloaded, is_pending_delete, from_migration, content_type, size, ref_count, updated_at`
	joinedItemColumns = `i.key, i.is_downloaded, i.is_pending_delete, i.from_migration, i.content_type, i.size, i.ref_count, i.updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item                             Item
		downloaded, pending, fromMigrate int
		updatedAt                        int64
	)
	if err := row.Scan(&item.Key, &downloaded, &pending, &fromMigrate, &item.ContentType, &item.Size, &item.RefCount, &updatedAt); err != nil {
		return nil, err
	}
	item.IsDownloaded = downloaded != 0
	item.IsPendingDelete = pending != 0
	item.FromMigration = fromMigrate != 0
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &item, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (t *Tx) stamp() int64 {
	return t.now().UTC().UnixNano()
}

// Group 返回分组，不存在时返回 ErrNotFound。
func (t *Tx) Group(key string) (*Group, error) {
	var createdAt int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT created_at FROM cache_groups WHERE key = ?`, key).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query group: %w", err)
	}
	return &Group{Key: key, CreatedAt: time.Unix(0, createdAt).UTC()}, nil
}

// FetchOrCreateGroup 幂等地获取或创建分组。
func (t *Tx) FetchOrCreateGroup(key string) (*Group, error) {
	if _, err := t.tx.ExecContext(t.ctx, `INSERT OR IGNORE INTO cache_groups (key, created_at) VALUES (?, ?)`, key, t.stamp()); err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return t.Group(key)
}

// Item 返回条目，不存在时返回 ErrNotFound。
func (t *Tx) Item(key string) (*Item, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+itemColumns+` FROM cache_items WHERE key = ?`, key)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return item, nil
}

// FetchOrCreateItem 幂等地获取或创建条目，新条目所有标志位为 false。
func (t *Tx) FetchOrCreateItem(key string) (*Item, error) {
	if _, err := t.tx.ExecContext(t.ctx, `INSERT OR IGNORE INTO cache_items (key, updated_at) VALUES (?, ?)`, key, t.stamp()); err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	return t.Item(key)
}

// AddToGroup 建立分组与条目的引用关系；关系已存在时不改变引用计数。
func (t *Tx) AddToGroup(groupKey, itemKey string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `INSERT OR IGNORE INTO cache_group_items (group_key, item_key) VALUES (?, ?)`, groupKey, itemKey)
	if err != nil {
		return false, fmt.Errorf("insert membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE cache_items SET ref_count = ref_count + 1, updated_at = ? WHERE key = ?`, t.stamp(), itemKey); err != nil {
		return false, fmt.Errorf("increment ref_count: %w", err)
	}
	return true, nil
}

// RemoveFromGroup 解除引用关系并递减引用计数。
func (t *Tx) RemoveFromGroup(groupKey, itemKey string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_group_items WHERE group_key = ? AND item_key = ?`, groupKey, itemKey)
	if err != nil {
		return false, fmt.Errorf("delete membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE cache_items SET ref_count = MAX(ref_count - 1, 0), updated_at = ? WHERE key = ?`, t.stamp(), itemKey); err != nil {
		return false, fmt.Errorf("decrement ref_count: %w", err)
	}
	return true, nil
}

// GroupItems 返回分组当前引用的全部条目。
func (t *Tx) GroupItems(groupKey string) ([]Item, error) {
	return t.queryItems(`SELECT `+joinedItemColumns+` FROM cache_items i
		JOIN cache_group_items gi ON gi.item_key = i.key
		WHERE gi.group_key = ? ORDER BY i.key`, groupKey)
}

// ItemGroups 返回引用某条目的全部分组 key。
func (t *Tx) ItemGroups(itemKey string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT group_key FROM cache_group_items WHERE item_key = ? ORDER BY group_key`, itemKey)
	if err != nil {
		return nil, fmt.Errorf("query item groups: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SaveItem 持久化条目的标志位与正文属性；引用计数只由成员关系方法维护。
func (t *Tx) SaveItem(item *Item) error {
	if item == nil {
		return errors.New("nil item")
	}
	stamp := t.stamp()
	res, err := t.tx.ExecContext(t.ctx, `UPDATE cache_items SET
		is_downloaded = ?, is_pending_delete = ?, from_migration = ?,
		content_type = ?, size = ?, updated_at = ?
		WHERE key = ?`,
		boolInt(item.IsDownloaded), boolInt(item.IsPendingDelete), boolInt(item.FromMigration),
		item.ContentType, item.Size, stamp, item.Key)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	item.UpdatedAt = time.Unix(0, stamp).UTC()
	return nil
}

// DeleteItem 删除条目记录及其所有成员关系。
func (t *Tx) DeleteItem(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_group_items WHERE item_key = ?`, key); err != nil {
		return fmt.Errorf("delete item memberships: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_items WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// DeleteGroup 删除分组并递减其所有条目的引用计数，条目记录本身保留。
func (t *Tx) DeleteGroup(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, `UPDATE cache_items SET ref_count = MAX(ref_count - 1, 0), updated_at = ?
		WHERE key IN (SELECT item_key FROM cache_group_items WHERE group_key = ?)`, t.stamp(), key); err != nil {
		return fmt.Errorf("decrement ref_count: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_group_items WHERE group_key = ?`, key); err != nil {
		return fmt.Errorf("delete group memberships: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM cache_groups WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// Groups 返回全部分组。
func (t *Tx) Groups() ([]Group, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT key, created_at FROM cache_groups ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var (
			g         Group
			createdAt int64
		)
		if err := rows.Scan(&g.Key, &createdAt); err != nil {
			return nil, err
		}
		g.CreatedAt = time.Unix(0, createdAt).UTC()
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// PendingDeleteItems 返回删除尚未完成的条目。
func (t *Tx) PendingDeleteItems() ([]Item, error) {
	return t.queryItems(`SELECT ` + itemColumns + ` FROM cache_items WHERE is_pending_delete = 1 ORDER BY key`)
}

// DownloadedItems 返回已标记下载完成的条目。
func (t *Tx) DownloadedItems() ([]Item, error) {
	return t.queryItems(`SELECT ` + itemColumns + ` FROM cache_items WHERE is_downloaded = 1 ORDER BY key`)
}

// OrphanItems 返回无人引用且未处于删除中的条目。
func (t *Tx) OrphanItems() ([]Item, error) {
	return t.queryItems(`SELECT ` + itemColumns + ` FROM cache_items WHERE ref_count <= 0 AND is_pending_delete = 0 ORDER BY key`)
}

// ItemsNeedingDownload 返回仍被引用、尚未下载且不来自迁移的条目。
func (t *Tx) ItemsNeedingDownload() ([]Item, error) {
	return t.queryItems(`SELECT ` + itemColumns + ` FROM cache_items
		WHERE ref_count > 0 AND is_downloaded = 0 AND is_pending_delete = 0 AND from_migration = 0 ORDER BY key`)
}

// MigrationItems 返回仍标记为迁移来源的条目。
func (t *Tx) MigrationItems() ([]Item, error) {
	return t.queryItems(`SELECT ` + itemColumns + ` FROM cache_items WHERE from_migration = 1 ORDER BY key`)
}

// AllItemKeys 返回所有条目的 key。
func (t *Tx) AllItemKeys() ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT key FROM cache_items`)
	if err != nil {
		return nil, fmt.Errorf("query item keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RepairRefCounts 依据成员关系表重算引用计数，返回被修正的条目数。
func (t *Tx) RepairRefCounts() (int64, error) {
	res, err := t.tx.ExecContext(t.ctx, `UPDATE cache_items
		SET ref_count = (SELECT COUNT(*) FROM cache_group_items WHERE item_key = cache_items.key)
		WHERE ref_count != (SELECT COUNT(*) FROM cache_group_items WHERE item_key = cache_items.key)`)
	if err != nil {
		return 0, fmt.Errorf("repair ref_count: %w", err)
	}
	return res.RowsAffected()
}

// Stats 汇总分组与条目数量。
func (t *Tx) Stats() (Stats, error) {
	var s Stats
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM cache_groups`).Scan(&s.Groups); err != nil {
		return s, fmt.Errorf("count groups: %w", err)
	}
	err := t.tx.QueryRowContext(t.ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(is_downloaded), 0),
		COALESCE(SUM(is_pending_delete), 0),
		COALESCE(SUM(from_migration), 0),
		COALESCE(SUM(CASE WHEN is_downloaded = 1 THEN size ELSE 0 END), 0)
		FROM cache_items`).Scan(&s.Items, &s.Downloaded, &s.PendingDelete, &s.FromMigration, &s.Bytes)
	if err != nil {
		return s, fmt.Errorf("count items: %w", err)
	}
	return s, nil
}

func (t *Tx) queryItems(query string, args ...any) ([]Item, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
