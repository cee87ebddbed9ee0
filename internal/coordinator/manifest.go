package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/site"
)

// ResolveAuxiliary 拉取单元所在站点启用的全部辅助端点清单，返回去重后的资源键
// （不含主条目）。某个端点失败不会中断其余端点，错误以 errors.Join 聚合返回。
func (c *Coordinator) ResolveAuxiliary(ctx context.Context, unit site.Unit) ([]string, error) {
	seen := map[string]struct{}{unit.PrimaryKey: {}}
	var (
		keys []string
		errs []error
	)
	siteURL := unit.Site.BaseURL.String()
	for _, meta := range unit.Site.Endpoints {
		if meta.Primary {
			continue
		}
		urls, err := c.fetcher.FetchManifest(ctx, siteURL, unit.Title, meta.Key)
		c.metrics.ObserveManifest(meta.Key, err)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"action":   "manifest",
				"unit":     unit.Key,
				"endpoint": meta.Key,
			}).Warnf("manifest_failed: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", meta.Key, err))
			continue
		}
		for _, u := range urls {
			if _, dup := seen[u]; dup {
				continue
			}
			seen[u] = struct{}{}
			keys = append(keys, u)
		}
	}
	return keys, errors.Join(errs...)
}
