// Package fetch 实现下载协调器依赖的上游访问：拉取辅助端点清单、把单个资源
// 下载到暂存目录。所有上游错误都包装为 ErrFetchFailure，本层不做重试。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/content"
	"github.com/any-hub/readcache/internal/endpoint"
)

// ErrFetchFailure 表示网络或清单错误。
var ErrFetchFailure = errors.New("fetch failure")

const defaultMaxManifestBytes = 8 << 20

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 描述 Client 的可调参数。
type Options struct {
	Timeout    time.Duration
	UserAgent  string
	StagingDir string
	// Proxies 为 Host -> 代理地址，未命中的 Host 走环境变量代理。
	Proxies          map[string]*url.URL
	MaxManifestBytes int64
}

// Resource 是一次成功下载的结果，TempPath 由调用方交给 content.Store.Write。
type Resource struct {
	URL         string
	TempPath    string
	ContentType string
	Size        int64
}

// Client 是 HTTP 实现的抓取服务。
type Client struct {
	client      *http.Client
	proxied     map[string]*http.Client
	userAgent   string
	stagingDir  string
	maxManifest int64
	logger      *logrus.Logger
}

// New 构造 Client，所有站点共享一份默认 Transport。
func New(opts Options, logger *logrus.Logger) (*Client, error) {
	if opts.StagingDir == "" {
		return nil, errors.New("staging dir required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxManifest := opts.MaxManifestBytes
	if maxManifest <= 0 {
		maxManifest = defaultMaxManifestBytes
	}

	c := &Client{
		client: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
		proxied:     make(map[string]*http.Client, len(opts.Proxies)),
		userAgent:   opts.UserAgent,
		stagingDir:  opts.StagingDir,
		maxManifest: maxManifest,
		logger:      logger,
	}
	for host, proxyURL := range opts.Proxies {
		transport := defaultTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		c.proxied[strings.ToLower(host)] = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
	return c, nil
}

// Timeout 返回上游请求超时。
func (c *Client) Timeout() time.Duration {
	return c.client.Timeout
}

func (c *Client) clientFor(u *url.URL) *http.Client {
	if proxied, ok := c.proxied[strings.ToLower(u.Host)]; ok {
		return proxied
	}
	return c.client
}

// FetchManifest 拉取辅助端点清单并解析出资源 URL；主端点没有清单。
func (c *Client) FetchManifest(ctx context.Context, siteURL, title, endpointKey string) ([]string, error) {
	meta, ok := endpoint.Resolve(endpointKey)
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %s not registered", ErrFetchFailure, endpointKey)
	}
	if meta.Primary || meta.Parse == nil {
		return nil, fmt.Errorf("%w: endpoint %s has no manifest", ErrFetchFailure, endpointKey)
	}
	base, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid site url: %w", ErrFetchFailure, err)
	}

	manifestURL := endpoint.URL(siteURL, endpointKey, title)
	resp, err := c.get(ctx, manifestURL, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxManifest+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest %s: %w", ErrFetchFailure, manifestURL, err)
	}
	if int64(len(body)) > c.maxManifest {
		return nil, fmt.Errorf("%w: manifest %s exceeds %d bytes", ErrFetchFailure, manifestURL, c.maxManifest)
	}

	urls, err := meta.Parse(body, base)
	if err != nil {
		return nil, fmt.Errorf("%w: parse manifest %s: %w", ErrFetchFailure, manifestURL, err)
	}
	c.logger.WithFields(logrus.Fields{
		"action":    "manifest_fetched",
		"endpoint":  endpointKey,
		"url":       manifestURL,
		"resources": len(urls),
	}).Debug("manifest_fetched")
	return urls, nil
}

// FetchResource 下载单个资源到暂存目录。
func (c *Client) FetchResource(ctx context.Context, rawURL string) (*Resource, error) {
	resp, err := c.get(ctx, rawURL, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	tempPath, size, err := content.Stage(ctx, c.stagingDir, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body %s: %w", ErrFetchFailure, rawURL, err)
	}
	return &Resource{
		URL:         rawURL,
		TempPath:    tempPath,
		ContentType: normalizeContentType(resp.Header.Get("Content-Type")),
		Size:        size,
	}, nil
}

func (c *Client) get(ctx context.Context, rawURL, accept string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: invalid url %q", ErrFetchFailure, rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailure, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.clientFor(u).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrFetchFailure, rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrFetchFailure, rawURL, resp.StatusCode)
	}
	return resp, nil
}

// normalizeContentType 保留 media type 与 charset，丢弃 profile 等其他参数。
func normalizeContentType(raw string) string {
	if raw == "" {
		return ""
	}
	mediaType, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	if charset, ok := params["charset"]; ok {
		return mime.FormatMediaType(mediaType, map[string]string{"charset": charset})
	}
	return mediaType
}
