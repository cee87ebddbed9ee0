package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/endpoint"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	switch g.ContentBackend {
	case ContentBackendFS:
	case ContentBackendS3:
		if strings.TrimSpace(g.S3Endpoint) == "" {
			return newFieldError("Global.S3Endpoint", "ContentBackend=s3 时不能为空")
		}
		if strings.TrimSpace(g.S3Bucket) == "" {
			return newFieldError("Global.S3Bucket", "ContentBackend=s3 时不能为空")
		}
		if (g.S3AccessKey == "") != (g.S3SecretKey == "") {
			return newFieldError("Global.S3AccessKey/S3SecretKey", "必须同时提供或同时留空")
		}
	default:
		return newFieldError("Global.ContentBackend", "仅支持 fs|s3")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxConcurrentDownloads <= 0 {
		return newFieldError("Global.MaxConcurrentDownloads", "必须大于 0")
	}
	if g.ReconcileInterval.DurationValue() < 0 {
		return newFieldError("Global.ReconcileInterval", "不能为负数")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenHosts := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		host, err := validateBaseURL(site.BaseURL)
		if err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "BaseURL"), err)
		}
		if owner, exists := seenHosts[host]; exists {
			return newFieldError(siteField(site.Name, "BaseURL"), "与站点 "+owner+" 的 Host 重复")
		}
		seenHosts[host] = site.Name

		for _, key := range site.Endpoints {
			if _, ok := endpoint.Resolve(key); !ok {
				return newFieldError(siteField(site.Name, "Endpoints"), fmt.Sprintf("未注册端点: %s", key))
			}
		}
		if site.Proxy != "" {
			if _, err := validateBaseURL(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

// validateBaseURL 要求 http/https 协议与 Host，并禁止携带查询串；返回小写 Host。
func validateBaseURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("缺少站点地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("不允许包含查询串或 fragment: %s", raw)
	}
	return strings.ToLower(parsed.Host), nil
}
