package routes

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/readcache/internal/cachegroup"
	"github.com/any-hub/readcache/internal/endpoint"
	"github.com/any-hub/readcache/internal/metadata"
	"github.com/any-hub/readcache/internal/site"
	"github.com/any-hub/readcache/internal/version"
)

// Diagnostics 是诊断端依赖的缓存能力，*cachegroup.Manager 满足该接口。
type Diagnostics interface {
	Sites() *site.Registry
	Stats(ctx context.Context) (metadata.Stats, error)
	Groups(ctx context.Context) ([]metadata.Group, error)
	InFlight() int
	Events() *cachegroup.EventLog
	Reconcile(ctx context.Context) (cachegroup.ReconcileReport, error)
}

// RegisterDiagnosticsRoutes 暴露 /-/status、/-/groups、/-/endpoints、/-/reconcile 与 /-/metrics。
// metricsHandler 为空时不注册 /-/metrics。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics, metricsHandler http.Handler) {
	if app == nil || diag == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		stats, err := diag.Stats(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "metadata_unavailable"})
		}
		return c.JSON(statusPayload{
			Version:   version.Full(),
			Sites:     encodeSites(diag.Sites().List()),
			Stats:     stats,
			SizeHuman: humanize.IBytes(uint64(max(stats.Bytes, 0))),
			InFlight:  diag.InFlight(),
			LastEvent: diag.Events().LastSeq(),
		})
	})

	app.Get("/-/groups", func(c fiber.Ctx) error {
		groups, err := diag.Groups(c.Context())
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "metadata_unavailable"})
		}
		return c.JSON(fiber.Map{"groups": groups})
	})

	app.Get("/-/endpoints", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"endpoints": encodeEndpoints(endpoint.List())})
	})

	app.Get("/-/endpoints/:key", func(c fiber.Ctx) error {
		key := endpoint.NormalizeKey(c.Params("key"))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "endpoint_key_required"})
		}
		meta, ok := endpoint.Resolve(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "endpoint_not_found"})
		}
		return c.JSON(encodeEndpoint(meta))
	})

	app.Post("/-/reconcile", func(c fiber.Ctx) error {
		report, err := diag.Reconcile(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"report": report,
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{"report": report})
	})

	if metricsHandler != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(metricsHandler))
	}
}

type statusPayload struct {
	Version   string         `json:"version"`
	Sites     []sitePayload  `json:"sites"`
	Stats     metadata.Stats `json:"stats"`
	SizeHuman string         `json:"size_human"`
	InFlight  int            `json:"in_flight"`
	LastEvent uint64         `json:"last_event_seq"`
}

type sitePayload struct {
	Name      string   `json:"name"`
	BaseURL   string   `json:"base_url"`
	Proxy     string   `json:"proxy,omitempty"`
	Endpoints []string `json:"endpoints"`
}

type endpointPayload struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Primary     bool   `json:"primary"`
}

func encodeSites(sites []*site.Site) []sitePayload {
	if len(sites) == 0 {
		return nil
	}
	sort.Slice(sites, func(i, j int) bool {
		return sites[i].Name() < sites[j].Name()
	})
	result := make([]sitePayload, 0, len(sites))
	for _, s := range sites {
		item := sitePayload{
			Name:    s.Name(),
			BaseURL: s.BaseURL.String(),
		}
		if s.ProxyURL != nil {
			item.Proxy = s.ProxyURL.Redacted()
		}
		for _, meta := range s.Endpoints {
			item.Endpoints = append(item.Endpoints, meta.Key)
		}
		result = append(result, item)
	}
	return result
}

func encodeEndpoints(list []endpoint.Metadata) []endpointPayload {
	if len(list) == 0 {
		return nil
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Primary != list[j].Primary {
			return list[i].Primary
		}
		return strings.Compare(list[i].Key, list[j].Key) < 0
	})
	result := make([]endpointPayload, 0, len(list))
	for _, meta := range list {
		result = append(result, encodeEndpoint(meta))
	}
	return result
}

func encodeEndpoint(meta endpoint.Metadata) endpointPayload {
	return endpointPayload{
		Key:         meta.Key,
		Description: meta.Description,
		Primary:     meta.Primary,
	}
}
