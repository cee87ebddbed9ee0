// Package article 注册主端点：渲染后的文章正文。
package article

import "github.com/any-hub/readcache/internal/endpoint"

// Key 是正文端点在 REST 路径中的名字。
const Key = "mobile-html"

func init() {
	endpoint.MustRegister(endpoint.Metadata{
		Key:         Key,
		Description: "Rendered article document; its canonical URL is the primary cache item",
		Primary:     true,
	})
}
