package config

import (
	_ "github.com/any-hub/readcache/internal/endpoint/article"
	_ "github.com/any-hub/readcache/internal/endpoint/media"
	_ "github.com/any-hub/readcache/internal/endpoint/offline"
)
