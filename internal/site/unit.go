package site

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/readcache/internal/endpoint"
)

const wikiPrefix = "/wiki/"

const restPrefix = "/api/rest_v1/page/"

// Unit 是一篇文章：Key 为其分组键，PrimaryKey 为正文条目键。
type Unit struct {
	Key        string
	Title      string
	PrimaryKey string
	Site       *Site
}

// EndpointURL 返回该文章在指定端点上的 REST 地址。
func (u Unit) EndpointURL(key string) string {
	return endpoint.URL(u.Site.BaseURL.String(), key, u.Title)
}

// Resolve 将 /wiki/<title> 或 /api/rest_v1/page/<endpoint>/<title> 形式的地址
// 解析为规范化的 Unit。标题中的空格统一为下划线。
func (r *Registry) Resolve(raw string) (Unit, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Host == "" {
		return Unit{}, fmt.Errorf("%w: %s", ErrInvalidUnit, raw)
	}
	s, ok := r.Lookup(parsed.Host)
	if !ok {
		return Unit{}, fmt.Errorf("%w: %s", ErrUnknownSite, parsed.Host)
	}

	title, ok := titleFromPath(parsed.Path)
	if !ok {
		return Unit{}, fmt.Errorf("%w: %s", ErrInvalidUnit, raw)
	}

	base := s.BaseURL.String()
	return Unit{
		Key:        base + wikiPrefix + url.PathEscape(title),
		Title:      title,
		PrimaryKey: endpoint.URL(base, primaryKey(s), title),
		Site:       s,
	}, nil
}

func primaryKey(s *Site) string {
	for _, meta := range s.Endpoints {
		if meta.Primary {
			return meta.Key
		}
	}
	if meta, ok := endpoint.Primary(); ok {
		return meta.Key
	}
	return ""
}

func titleFromPath(p string) (string, bool) {
	var title string
	switch {
	case strings.HasPrefix(p, wikiPrefix):
		title = strings.TrimPrefix(p, wikiPrefix)
	case strings.HasPrefix(p, restPrefix):
		rest := strings.TrimPrefix(p, restPrefix)
		idx := strings.Index(rest, "/")
		if idx <= 0 {
			return "", false
		}
		title = rest[idx+1:]
	default:
		return "", false
	}
	title = strings.TrimSpace(strings.ReplaceAll(title, " ", "_"))
	title = strings.Trim(title, "_")
	if title == "" {
		return "", false
	}
	return title, true
}
