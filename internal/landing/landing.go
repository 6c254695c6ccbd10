// Package landing generates the landing page address for a produced package:
// a short unique key, SEO keywords sampled from the company's pools, and the
// URL assembled from them.
package landing

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	keyAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	keyLength   = 7

	productKeywordCount = 3
	geoKeywordCount     = 2
)

// ReserveFunc records a key as taken. It returns false when the key is
// already in use by another package.
type ReserveFunc func(key string) (bool, error)

// Generator builds landing page addresses and optionally pre-warms them.
type Generator struct {
	baseURL   string
	warmCache bool
	client    *http.Client
	logger    *slog.Logger
}

func NewGenerator(baseURL string, warmCache bool, logger *slog.Logger) *Generator {
	return &Generator{
		baseURL:   strings.TrimRight(baseURL, "/"),
		warmCache: warmCache,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// Page is a generated landing page address.
type Page struct {
	Key             string
	ProductKeywords string
	GeoKeywords     string
	URL             string
}

// Generate picks a unique key, samples keywords from the company pools and
// assembles the landing URL. reserve is retried with fresh keys until one is
// free.
func (g *Generator) Generate(slug, productPool, geoPool string, reserve ReserveFunc) (*Page, error) {
	if slug == "" {
		return nil, fmt.Errorf("cannot generate landing page URL: company slug is empty")
	}
	if productPool == "" || geoPool == "" {
		return nil, fmt.Errorf("cannot generate landing page URL: company keyword pools are empty")
	}

	var key string
	for {
		key = NewKey()
		ok, err := reserve(key)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
	}

	product := strings.Join(SampleKeywords(productPool, productKeywordCount), ",")
	geo := strings.Join(SampleKeywords(geoPool, geoKeywordCount), ",")

	return &Page{
		Key:             key,
		ProductKeywords: product,
		GeoKeywords:     geo,
		URL:             g.PageURL(slug, geo, product, key),
	}, nil
}

// PageURL assembles the landing page URL. Geo keywords collapse into one
// dash-joined path segment; each product keyword becomes its own segment.
func (g *Generator) PageURL(slug, geoKeywords, productKeywords, key string) string {
	path := fmt.Sprintf("%s/%s/%s/%s/",
		slugify(slug),
		strings.ReplaceAll(slugify(geoKeywords), ",", "-"),
		strings.ReplaceAll(slugify(productKeywords), ",", "/"),
		key,
	)
	return g.baseURL + "/" + path
}

func slugify(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "-")
}

// NewKey returns a key of distinct random characters, so two packages
// published in the same instant cannot collide on an identical draw.
func NewKey() string {
	perm := []byte(keyAlphabet)
	for i := len(perm) - 1; i > 0; i-- {
		j := randomInt(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return string(perm[:keyLength])
}

// SampleKeywords picks n distinct entries from a comma-separated pool,
// keeping their pool order. Pools smaller than n are returned whole.
func SampleKeywords(pool string, n int) []string {
	parts := strings.Split(pool, ",")
	keywords := make([]string, 0, len(parts))
	for _, part := range parts {
		keywords = append(keywords, strings.TrimSpace(part))
	}

	if n >= len(keywords) {
		return keywords
	}

	picked := make(map[int]bool, n)
	for len(picked) < n {
		picked[randomInt(len(keywords))] = true
	}

	selected := make([]string, 0, n)
	for i, keyword := range keywords {
		if picked[i] {
			selected = append(selected, keyword)
		}
	}
	return selected
}

func randomInt(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic(err)
	}
	return int(v.Int64())
}

// Warm requests the landing page once so the first customer click hits a
// rendered cache. Failures are logged, never returned: warming is advisory.
func (g *Generator) Warm(ctx context.Context, pageURL string) {
	if !g.warmCache {
		return
	}
	if _, err := url.Parse(pageURL); err != nil {
		g.logger.Warn("not warming malformed landing URL", "url", pageURL, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		g.logger.Warn("failed to build landing warm request", "url", pageURL, "error", err)
		return
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.Warn("landing cache warm failed", "url", pageURL, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		g.logger.Warn("landing cache warm returned an error",
			"url", pageURL,
			"status", resp.StatusCode,
		)
	}
}
