package offline

import (
	"net/url"
	"reflect"
	"testing"
)

func TestParseManifest(t *testing.T) {
	base, _ := url.Parse("https://en.example.org")
	body := []byte(`["//meta.example.org/api/style.css","/w/load.php?modules=site",42,"//meta.example.org/api/style.css"]`)

	got, err := parseManifest(body, base)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := []string{
		"https://meta.example.org/api/style.css",
		"https://en.example.org/w/load.php?modules=site",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected urls: %v", got)
	}
}

func TestParseManifestRejectsNonArray(t *testing.T) {
	base, _ := url.Parse("https://en.example.org")
	if _, err := parseManifest([]byte(`{"items":[]}`), base); err == nil {
		t.Fatalf("object manifest should be rejected")
	}
	if _, err := parseManifest([]byte(`not json`), base); err == nil {
		t.Fatalf("invalid JSON should be rejected")
	}
}
