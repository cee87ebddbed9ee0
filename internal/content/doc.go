// Package content 负责缓存正文的持久化：按 key 的 blake3 哈希寻址，写入走
// "临时文件 + rename"，删除幂等。Store 不感知分组与引用计数，是否删除由
// 元数据层决定。默认实现写入本地目录，S3Store 写入兼容 S3 的对象存储。
package content
