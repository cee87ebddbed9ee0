package endpoint

import (
	"net/url"
	"strings"
)

// ManifestParser 将辅助端点返回的清单正文解析为资源 URL 列表。
// base 为站点根地址，用于补全协议相对或路径相对的 URL。
type ManifestParser func(body []byte, base *url.URL) ([]string, error)

// Metadata 记录一个端点类型的静态信息，供配置校验、下载协调与诊断端使用。
type Metadata struct {
	Key         string
	Description string
	// Primary 表示该端点即文章正文，条目键就是其规范 URL，无需清单。
	Primary bool
	Parse   ManifestParser
}

const restPrefix = "/api/rest_v1/page/"

// URL 根据站点根地址、端点键与文章标题拼出 REST 请求地址。
func URL(siteURL, key, title string) string {
	base := strings.TrimRight(siteURL, "/")
	return base + restPrefix + key + "/" + url.PathEscape(title)
}

// ResolveReference 将清单中的原始地址补全为绝对 URL，并去掉 fragment。
// 协议相对地址（//upload.example.org/...）沿用站点协议。
func ResolveReference(base *url.URL, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	resolved := ref
	if base != nil {
		resolved = base.ResolveReference(ref)
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	if resolved.Host == "" {
		return "", false
	}
	resolved.Fragment = ""
	resolved.Host = strings.ToLower(resolved.Host)
	return resolved.String(), true
}
