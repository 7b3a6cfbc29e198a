package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tahplatform/accesshub/internal/iam"
)

const defaultManifestPath = "/api/v1/app-features/manifest"

// ManifestSource fetches an application's feature manifest.
type ManifestSource interface {
	Fetch(ctx context.Context, app *iam.Application) (*Manifest, error)
}

// HTTPFetcher fetches manifests over plain HTTP GET.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher builds a fetcher with a bounded timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// ManifestURL resolves where to fetch from: the explicit manifest URL
// when configured, otherwise the conventional path under base_url.
func ManifestURL(app *iam.Application) string {
	if app.FeaturesManifestURL != "" {
		return app.FeaturesManifestURL
	}
	if app.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(app.BaseURL, "/") + defaultManifestPath
}

func (f *HTTPFetcher) Fetch(ctx context.Context, app *iam.Application) (*Manifest, error) {
	url := ManifestURL(app)
	if url == "" {
		return nil, fmt.Errorf("%w: no manifest URL configured for %s", ErrInvalidManifest, app.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest: unexpected status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return ParseManifest(raw)
}

// ParseManifest decodes a manifest document, unwrapping an optional
// {"data": {...}} envelope some applications respond with.
func ParseManifest(raw []byte) (*Manifest, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		raw = envelope.Data
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidManifest)
	}
	seen := make(map[string]struct{}, len(m.Features))
	for i, f := range m.Features {
		if strings.TrimSpace(f.ID) == "" {
			return fmt.Errorf("%w: feature %d has no id", ErrInvalidManifest, i)
		}
		if _, dup := seen[f.ID]; dup {
			return fmt.Errorf("%w: duplicate feature id %q", ErrInvalidManifest, f.ID)
		}
		seen[f.ID] = struct{}{}
		if len(f.Actions) == 0 {
			return fmt.Errorf("%w: feature %q has no actions", ErrInvalidManifest, f.ID)
		}
		for _, a := range f.Actions {
			if strings.TrimSpace(a) == "" {
				return fmt.Errorf("%w: feature %q has an empty action", ErrInvalidManifest, f.ID)
			}
		}
	}
	return nil
}

// versionLess reports whether a sorts strictly before b when both parse
// as dotted integers. Non-numeric segments fall back to string order.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		if aerr != nil || berr != nil {
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
			continue
		}
		if an != bn {
			return an < bn
		}
	}
	return len(as) < len(bs)
}
