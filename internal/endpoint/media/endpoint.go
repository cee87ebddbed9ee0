// Package media 注册媒体清单端点，从 items[].srcset[].src 中提取图片地址。
package media

import (
	"errors"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/any-hub/readcache/internal/endpoint"
)

// Key 是媒体清单端点在 REST 路径中的名字。
const Key = "media-list"

func init() {
	endpoint.MustRegister(endpoint.Metadata{
		Key:         Key,
		Description: "Media list; every srcset source becomes a cache item",
		Parse:       parseManifest,
	})
}

func parseManifest(body []byte, base *url.URL) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("media manifest is not valid JSON")
	}
	items := gjson.GetBytes(body, "items")
	if !items.IsArray() {
		return nil, errors.New("media manifest has no items array")
	}

	seen := make(map[string]struct{})
	var urls []string
	items.ForEach(func(_, item gjson.Result) bool {
		item.Get("srcset").ForEach(func(_, src gjson.Result) bool {
			resolved, ok := endpoint.ResolveReference(base, src.Get("src").String())
			if !ok {
				return true
			}
			if _, dup := seen[resolved]; dup {
				return true
			}
			seen[resolved] = struct{}{}
			urls = append(urls, resolved)
			return true
		})
		return true
	})
	return urls, nil
}
