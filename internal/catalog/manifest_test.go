package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tahplatform/accesshub/internal/iam"
)

func TestParseManifest(t *testing.T) {
	raw := []byte(`{
		"version": "2.1.0",
		"modules": [{"id": "inv", "name": "Invoicing"}],
		"features": [
			{"id": "app.invoices", "name": "Invoices", "module": "inv", "actions": ["view", "edit"]}
		]
	}`)
	m, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Version != "2.1.0" || len(m.Features) != 1 || len(m.Features[0].Actions) != 2 {
		t.Errorf("manifest = %+v", m)
	}
}

func TestParseManifestUnwrapsDataEnvelope(t *testing.T) {
	raw := []byte(`{"success": true, "data": {
		"version": "1.0.0",
		"features": [{"id": "app.f", "name": "F", "module": "m", "actions": ["view"]}]
	}}`)
	m, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Version != "1.0.0" {
		t.Errorf("version = %q, want 1.0.0", m.Version)
	}
}

func TestParseManifestRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing version": `{"features": [{"id": "a", "actions": ["view"]}]}`,
		"feature no id":   `{"version": "1", "features": [{"name": "x", "actions": ["view"]}]}`,
		"no actions":      `{"version": "1", "features": [{"id": "a", "actions": []}]}`,
		"empty action":    `{"version": "1", "features": [{"id": "a", "actions": [""]}]}`,
		"duplicate id":    `{"version": "1", "features": [{"id": "a", "actions": ["v"]}, {"id": "a", "actions": ["v"]}]}`,
		"not json":        `[`,
	}
	for name, raw := range cases {
		if _, err := ParseManifest([]byte(raw)); !errors.Is(err, ErrInvalidManifest) {
			t.Errorf("%s: err = %v, want ErrInvalidManifest", name, err)
		}
	}
}

func TestManifestURL(t *testing.T) {
	app := &iam.Application{BaseURL: "http://billing.local/"}
	if got := ManifestURL(app); got != "http://billing.local/api/v1/app-features/manifest" {
		t.Errorf("ManifestURL = %q", got)
	}
	app.FeaturesManifestURL = "http://billing.local/custom/manifest"
	if got := ManifestURL(app); got != "http://billing.local/custom/manifest" {
		t.Errorf("ManifestURL = %q, want custom URL", got)
	}
	if got := ManifestURL(&iam.Application{}); got != "" {
		t.Errorf("ManifestURL = %q, want empty", got)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/app-features/manifest" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {"version": "3.0.0", "features": [{"id": "app.f", "module": "m", "actions": ["view"]}]}}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	app := &iam.Application{ID: "app", BaseURL: srv.URL}
	m, err := f.Fetch(context.Background(), app)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if m.Version != "3.0.0" {
		t.Errorf("version = %q, want 3.0.0", m.Version)
	}
}

func TestHTTPFetcherErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(5 * time.Second)
	if _, err := f.Fetch(context.Background(), &iam.Application{ID: "app", BaseURL: srv.URL}); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestVersionLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1.0.0", "2.0.0", true},
		{"2.0.0", "1.0.0", false},
		{"1.0.0", "1.0.0", false},
		{"1.9.0", "1.10.0", true},
		{"1.0", "1.0.1", true},
		{"abc", "abd", true},
	}
	for _, tc := range cases {
		if got := versionLess(tc.a, tc.b); got != tc.want {
			t.Errorf("versionLess(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
