package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"

	"offline0/internal/fetch"
	"offline0/internal/router"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheManifest returns the explicit precache URLs followed by every
// sitemap location some route would serve, without duplicates.
func (s *Service) precacheManifest(ctx context.Context, cfg *Config, rt *router.Router) ([]string, error) {
	pc := cfg.Version.Precache
	out := make([]string, 0, len(pc.URLs))
	seen := map[string]struct{}{}
	add := func(u string) {
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range pc.URLs {
		add(u)
	}
	if len(pc.Sitemaps) == 0 {
		return out, nil
	}

	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(pc.Sitemaps))
	for _, sm := range pc.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, cfg.absoluteURL(sm))
		}
	}

	fit, ignored := 0, 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, s.fetcher, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, cfg.absoluteURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			if loc == "" {
				ignored++
				continue
			}
			u := cfg.absoluteURL(loc)
			dec := rt.Resolve(&fetch.Request{Method: http.MethodGet, URL: u})
			if dec.Route == nil {
				ignored++
				continue
			}
			fit++
			add(u)
		}
	}
	s.log.Info().Int("fit", fit).Int("ignored", ignored).Int("sitemaps", len(seenSitemaps)).Msg("precache discovery")
	return out, nil
}

func fetchSitemap(ctx context.Context, f fetch.Fetcher, sitemapURL string) (sitemapDoc, error) {
	resp, err := f.Fetch(ctx, &fetch.Request{Method: http.MethodGet, URL: sitemapURL, Header: http.Header{}})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// .gz URL or gzip magic; a transport that already decoded is tolerated
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
