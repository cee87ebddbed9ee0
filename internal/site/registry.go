// Package site 将配置中的站点与其派生属性聚合在一起，并把用户给出的文章地址
// 解析为规范化的缓存单元（Unit）。
package site

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/readcache/internal/config"
	"github.com/any-hub/readcache/internal/endpoint"
)

// ErrUnknownSite 表示地址的 Host 不属于任何已配置站点。
var ErrUnknownSite = errors.New("unknown site")

// ErrInvalidUnit 表示地址无法解析为文章。
var ErrInvalidUnit = errors.New("invalid article url")

// Site 将站点配置与解析后的 BaseURL/Proxy、启用端点聚合在一起。
type Site struct {
	// Config 是 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// BaseURL/ProxyURL 在构造 Registry 时提前解析完成。
	BaseURL  *url.URL
	ProxyURL *url.URL
	// Endpoints 为站点启用的端点，主端点永远在第一位。
	Endpoints []endpoint.Metadata
}

// Name 返回站点名。
func (s *Site) Name() string {
	return s.Config.Name
}

// Host 返回小写的 Host（含端口）。
func (s *Site) Host() string {
	return strings.ToLower(s.BaseURL.Host)
}

// Registry 提供 Host 到 Site 的查询能力。
type Registry struct {
	sites   map[string]*Site
	ordered []*Site
}

// NewRegistry 根据配置构建 Host 映射，调用方应在启动阶段创建一次并复用。
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &Registry{
		sites: make(map[string]*Site, len(cfg.Sites)),
	}
	for _, sc := range cfg.Sites {
		s, err := buildSite(sc)
		if err != nil {
			return nil, err
		}
		host := s.Host()
		if _, exists := registry.sites[host]; exists {
			return nil, fmt.Errorf("duplicate host mapping detected for %s", host)
		}
		registry.sites[host] = s
		registry.ordered = append(registry.ordered, s)
	}
	return registry, nil
}

func buildSite(sc config.SiteConfig) (*Site, error) {
	baseURL, err := url.Parse(strings.TrimRight(sc.BaseURL, "/"))
	if err != nil || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid base url for site %s", sc.Name)
	}

	var proxyURL *url.URL
	if sc.Proxy != "" {
		proxyURL, err = url.Parse(sc.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", sc.Name, err)
		}
	}

	keys := sc.Endpoints
	if len(keys) == 0 {
		keys = sc.EffectiveEndpoints()
	}
	endpoints := make([]endpoint.Metadata, 0, len(keys))
	for _, key := range keys {
		meta, ok := endpoint.Resolve(key)
		if !ok {
			return nil, fmt.Errorf("site %s: endpoint %s not registered", sc.Name, key)
		}
		endpoints = append(endpoints, meta)
	}

	return &Site{
		Config:    sc,
		BaseURL:   baseURL,
		ProxyURL:  proxyURL,
		Endpoints: endpoints,
	}, nil
}

// Lookup 根据 Host 查找站点。
func (r *Registry) Lookup(host string) (*Site, bool) {
	if r == nil {
		return nil, false
	}
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return nil, false
	}
	s, ok := r.sites[host]
	return s, ok
}

// List 返回站点列表（按配置顺序），用于 /-/status 输出。
func (r *Registry) List() []*Site {
	if r == nil {
		return nil
	}
	return append([]*Site(nil), r.ordered...)
}

// Proxies 返回 Host 到代理地址的映射，只包含配置了代理的站点。
func (r *Registry) Proxies() map[string]*url.URL {
	result := make(map[string]*url.URL)
	if r == nil {
		return result
	}
	for _, s := range r.ordered {
		if s.ProxyURL != nil {
			result[s.Host()] = s.ProxyURL
		}
	}
	return result
}
