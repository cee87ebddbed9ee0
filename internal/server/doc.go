// Package server hosts the Fiber HTTP service and its request middleware chain,
// and exposes the cache API (toggle, status, payload, change events) on top of
// an injected CacheService. Diagnostics routes live in server/routes so the
// CLI can attach them to the same app. Keep exports narrow and accept explicit
// dependencies.
package server
