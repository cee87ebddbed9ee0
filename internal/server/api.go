package server

import (
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/readcache/internal/cachegroup"
	"github.com/any-hub/readcache/internal/site"
)

const maxEventsPerPage = 500

type setCachedRequest struct {
	URL     string `json:"url"`
	Enabled *bool  `json:"enabled"`
}

func registerAPIRoutes(app *fiber.App, cache CacheService, logger *logrus.Logger) {
	app.Put("/api/cache", func(c fiber.Ctx) error {
		var req setCachedRequest
		if err := c.Bind().JSON(&req); err != nil {
			return renderError(c, fiber.StatusBadRequest, "invalid_body")
		}
		req.URL = strings.TrimSpace(req.URL)
		if req.URL == "" {
			return renderError(c, fiber.StatusBadRequest, "url_required")
		}
		if req.Enabled == nil {
			return renderError(c, fiber.StatusBadRequest, "enabled_required")
		}
		if err := cache.SetCached(c.Context(), req.URL, *req.Enabled); err != nil {
			return renderCacheError(c, logger, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"url":     req.URL,
			"enabled": *req.Enabled,
		})
	})

	app.Get("/api/cache", func(c fiber.Ctx) error {
		raw := strings.TrimSpace(c.Query("url"))
		if raw == "" {
			return renderError(c, fiber.StatusBadRequest, "url_required")
		}
		cached, err := cache.IsCached(c.Context(), raw)
		if err != nil {
			return renderCacheError(c, logger, err)
		}
		return c.JSON(fiber.Map{"url": raw, "cached": cached})
	})

	app.Get("/api/items/:key", func(c fiber.Ctx) error {
		key, err := url.PathUnescape(c.Params("key"))
		if err != nil || key == "" {
			return renderError(c, fiber.StatusBadRequest, "invalid_key")
		}
		result, err := cache.Open(c.Context(), key)
		if err != nil {
			return renderCacheError(c, logger, err)
		}
		defer result.Reader.Close()

		c.Set(fiber.HeaderContentType, result.Entry.ContentType)
		c.Set("X-Readcache-Key", result.Entry.Key)
		if result.Entry.SizeBytes > 0 {
			c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
		}
		_, err = io.Copy(c.Response().BodyWriter(), result.Reader)
		return err
	})

	app.Get("/api/events", func(c fiber.Ctx) error {
		after, err := parseUint(c.Query("after"))
		if err != nil {
			return renderError(c, fiber.StatusBadRequest, "invalid_after")
		}
		limit := maxEventsPerPage
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				return renderError(c, fiber.StatusBadRequest, "invalid_limit")
			}
			limit = min(n, maxEventsPerPage)
		}
		log := cache.Events()
		return c.JSON(fiber.Map{
			"last_seq": log.LastSeq(),
			"events":   log.Since(after, limit),
		})
	})
}

func parseUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// renderCacheError 将领域错误映射为 HTTP 状态码。
func renderCacheError(c fiber.Ctx, logger *logrus.Logger, err error) error {
	switch {
	case errors.Is(err, site.ErrUnknownSite):
		return renderError(c, fiber.StatusNotFound, "site_unknown")
	case errors.Is(err, site.ErrInvalidUnit):
		return renderError(c, fiber.StatusBadRequest, "invalid_url")
	case errors.Is(err, cachegroup.ErrNotCached):
		return renderError(c, fiber.StatusNotFound, "not_cached")
	}
	logger.WithFields(logrus.Fields{
		"action":     "api",
		"path":       string(c.Request().URI().Path()),
		"request_id": RequestID(c),
	}).Errorf("cache_error: %v", err)
	return renderError(c, fiber.StatusServiceUnavailable, "cache_unavailable")
}

func renderError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
