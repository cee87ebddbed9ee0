// Package endpoint 聚合文章离线缓存所需的端点类型（正文、离线资源清单、媒体清单），
// 并提供统一的注册入口。
//
// 端点作者需要：
//   1. 在 internal/endpoint/<name>/ 目录下实现清单解析逻辑；
//   2. 在 init() 中调用 MustRegister 注册端点元数据；
//   3. 在 internal/config/endpoints.go 中以空白导入方式启用该端点。
//
// 主端点（Primary）对应文章本身，不需要清单；辅助端点返回资源 URL 列表，
// 每个 URL 会派生出一个缓存条目。
package endpoint
