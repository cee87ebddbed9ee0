package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/readcache/internal/endpoint"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

const (
	// ContentBackendFS 将正文写入 StoragePath/data 下的本地文件。
	ContentBackendFS = "fs"
	// ContentBackendS3 将正文写入 S3 兼容的对象存储。
	ContentBackendS3 = "s3"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort             int      `mapstructure:"ListenPort"`
	LogLevel               string   `mapstructure:"LogLevel"`
	LogFilePath            string   `mapstructure:"LogFilePath"`
	LogMaxSize             int      `mapstructure:"LogMaxSize"`
	LogMaxBackups          int      `mapstructure:"LogMaxBackups"`
	LogCompress            bool     `mapstructure:"LogCompress"`
	StoragePath            string   `mapstructure:"StoragePath"`
	ContentBackend         string   `mapstructure:"ContentBackend"`
	S3Endpoint             string   `mapstructure:"S3Endpoint"`
	S3AccessKey            string   `mapstructure:"S3AccessKey"`
	S3SecretKey            string   `mapstructure:"S3SecretKey"`
	S3Bucket               string   `mapstructure:"S3Bucket"`
	S3Region               string   `mapstructure:"S3Region"`
	S3UseSSL               bool     `mapstructure:"S3UseSSL"`
	UpstreamTimeout        Duration `mapstructure:"UpstreamTimeout"`
	UserAgent              string   `mapstructure:"UserAgent"`
	MaxConcurrentDownloads int      `mapstructure:"MaxConcurrentDownloads"`
	ReconcileInterval      Duration `mapstructure:"ReconcileInterval"`
	LegacyStorePath        string   `mapstructure:"LegacyStorePath"`
}

// SiteConfig 决定单个站点的文章如何被解析与缓存。
type SiteConfig struct {
	Name      string   `mapstructure:"Name"`
	BaseURL   string   `mapstructure:"BaseURL"`
	Proxy     string   `mapstructure:"Proxy"`
	Endpoints []string `mapstructure:"Endpoints"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// EffectiveEndpoints 返回站点实际启用的端点：主端点永远排在第一位，其余按配置顺序去重。
func (s SiteConfig) EffectiveEndpoints() []string {
	result := make([]string, 0, len(s.Endpoints)+1)
	seen := make(map[string]struct{}, len(s.Endpoints)+1)
	if primary, ok := endpoint.Primary(); ok {
		result = append(result, primary.Key)
		seen[primary.Key] = struct{}{}
	}
	for _, raw := range s.Endpoints {
		key := endpoint.NormalizeKey(raw)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, key)
	}
	return result
}

// SiteNames 返回所有站点名称，供日志字段使用。
func SiteNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = site.Name
	}
	return result
}
