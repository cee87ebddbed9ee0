// Package offline 注册离线资源清单端点，清单是一个 URL 字符串数组（样式表、脚本等）。
package offline

import (
	"errors"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/any-hub/readcache/internal/endpoint"
)

// Key 是离线资源清单端点在 REST 路径中的名字。
const Key = "mobile-html-offline-resources"

func init() {
	endpoint.MustRegister(endpoint.Metadata{
		Key:         Key,
		Description: "Offline resource list (stylesheets, scripts) required to render the article",
		Parse:       parseManifest,
	})
}

func parseManifest(body []byte, base *url.URL) ([]string, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("offline resource manifest is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, errors.New("offline resource manifest must be an array")
	}

	seen := make(map[string]struct{})
	var urls []string
	doc.ForEach(func(_, value gjson.Result) bool {
		if value.Type != gjson.String {
			return true
		}
		resolved, ok := endpoint.ResolveReference(base, value.String())
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
	return urls, nil
}
