// Package migration 把旧版本保存的离线文章直接导入缓存，不经过网络抓取。
//
// 导入期间条目带有 fromMigration 标记；只有正文写入成功后才清除该标记并置为已下载，
// 调用方（Runner）也只在此之后删除旧数据源中的记录。
package migration
