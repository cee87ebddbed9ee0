package site

import (
	"errors"
	"testing"

	"github.com/any-hub/readcache/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Sites: []config.SiteConfig{
			{
				Name:      "enwiki",
				BaseURL:   "https://en.example.org",
				Endpoints: []string{"mobile-html", "media-list"},
				Proxy:     "http://proxy.local:3128",
			},
			{
				Name:    "dewiki",
				BaseURL: "https://de.example.org",
			},
		},
	}
}

func TestRegistryLookupByHost(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, ok := registry.Lookup("EN.example.org.")
	if !ok {
		t.Fatalf("expected enwiki site")
	}
	if s.Name() != "enwiki" {
		t.Fatalf("wrong site returned: %s", s.Name())
	}
	if len(s.Endpoints) != 2 || !s.Endpoints[0].Primary {
		t.Fatalf("primary endpoint should come first: %+v", s.Endpoints)
	}

	de, _ := registry.Lookup("de.example.org")
	if len(de.Endpoints) != 1 {
		t.Fatalf("site without endpoints should only enable primary, got %d", len(de.Endpoints))
	}

	if _, ok := registry.Lookup("fr.example.org"); ok {
		t.Fatalf("unexpected site for unknown host")
	}
	if len(registry.List()) != 2 {
		t.Fatalf("list should keep configuration order")
	}
	if proxies := registry.Proxies(); len(proxies) != 1 || proxies["en.example.org"] == nil {
		t.Fatalf("proxy map mismatch: %v", proxies)
	}
}

func TestRegistryRejectsDuplicateHost(t *testing.T) {
	cfg := testConfig()
	cfg.Sites[1].BaseURL = "https://en.example.org/"
	if _, err := NewRegistry(cfg); err == nil {
		t.Fatalf("duplicate host should fail")
	}
}

func TestResolveCanonicalizesUnit(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []string{
		"https://en.example.org/wiki/Dog breeds",
		"https://en.example.org/wiki/Dog_breeds#History",
		"https://en.example.org/api/rest_v1/page/mobile-html/Dog_breeds",
		"https://en.example.org/api/rest_v1/page/media-list/Dog%20breeds",
	}
	for _, raw := range cases {
		unit, err := registry.Resolve(raw)
		if err != nil {
			t.Fatalf("resolve %s: %v", raw, err)
		}
		if unit.Key != "https://en.example.org/wiki/Dog_breeds" {
			t.Fatalf("unit key mismatch for %s: %s", raw, unit.Key)
		}
		if unit.PrimaryKey != "https://en.example.org/api/rest_v1/page/mobile-html/Dog_breeds" {
			t.Fatalf("primary key mismatch for %s: %s", raw, unit.PrimaryKey)
		}
	}
}

func TestResolveErrors(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := registry.Resolve("https://fr.example.org/wiki/A"); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("expected ErrUnknownSite, got %v", err)
	}
	for _, raw := range []string{"not a url", "https://en.example.org/w/index.php", "https://en.example.org/wiki/", "https://en.example.org/api/rest_v1/page/mobile-html"} {
		if _, err := registry.Resolve(raw); !errors.Is(err, ErrInvalidUnit) {
			t.Fatalf("expected ErrInvalidUnit for %q, got %v", raw, err)
		}
	}
}

func TestUnitEndpointURL(t *testing.T) {
	registry, _ := NewRegistry(testConfig())
	unit, err := registry.Resolve("https://en.example.org/wiki/A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := unit.EndpointURL("media-list"); got != "https://en.example.org/api/rest_v1/page/media-list/A" {
		t.Fatalf("endpoint url mismatch: %s", got)
	}
}
