package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/dedup"
	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// LinkSink receives newly discovered URLs so the supervisor can seed them
// back onto the url queue.
type LinkSink interface {
	SeedURL(ctx context.Context, url, siteID string) error
}

// Fetcher is the fetch-stage handler: it downloads a URL, computes its
// content hash, optionally discovers same-site links, and hands the raw
// body to the clean stage.
type Fetcher struct {
	cfg     config.Fetcher
	client  *http.Client
	include *regexp.Regexp
	exclude *regexp.Regexp
	links   LinkSink
	log     *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewFetcher builds a Fetcher from config. links may be nil, in which case
// discovered links are not re-seeded onto the url queue.
func NewFetcher(cfg config.Fetcher, links LinkSink, log *zap.Logger) (*Fetcher, error) {
	var include, exclude *regexp.Regexp
	var err error
	if cfg.IncludePattern != "" {
		if include, err = regexp.Compile(cfg.IncludePattern); err != nil {
			return nil, fmt.Errorf("compile include_pattern: %w", err)
		}
	}
	if cfg.ExcludePattern != "" {
		if exclude, err = regexp.Compile(cfg.ExcludePattern); err != nil {
			return nil, fmt.Errorf("compile exclude_pattern: %w", err)
		}
	}
	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		include: include,
		exclude: exclude,
		links:   links,
		log:     log,
	}, nil
}

func (f *Fetcher) OnStart(ctx context.Context) error { return nil }
func (f *Fetcher) OnStop(ctx context.Context) error  { return nil }

func (f *Fetcher) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *Fetcher) record(succeeded bool) {
	f.mu.Lock()
	f.stats.Processed++
	if succeeded {
		f.stats.Succeeded++
	} else {
		f.stats.Failed++
	}
	f.mu.Unlock()
}

// Process fetches env.URL, attaches the raw body to the envelope, and
// advances it to the crawl stage.
func (f *Fetcher) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.URL, nil)
	if err != nil {
		f.record(false)
		return nil, &PermanentError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.record(false)
		return nil, &TransientError{Err: fmt.Errorf("fetch %s: %w", env.URL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		f.record(false)
		return nil, &TransientError{Err: fmt.Errorf("fetch %s: status %d", env.URL, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		f.record(false)
		return nil, &PermanentError{Err: fmt.Errorf("fetch %s: status %d", env.URL, resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.record(false)
		return nil, &TransientError{Err: fmt.Errorf("read body %s: %w", env.URL, err)}
	}

	contentType := resp.Header.Get("Content-Type")
	if err := env.WithRawContent(body, contentType); err != nil {
		f.record(false)
		return nil, &PermanentError{Err: fmt.Errorf("encode body: %w", err)}
	}
	env.ContentHash = dedup.HashContent(body)
	env.Advance("crawl")

	if f.links != nil && strings.Contains(contentType, "text/html") {
		f.discoverLinks(ctx, env.URL, env.SiteID, body)
	}

	f.record(true)
	return env, nil
}

// discoverLinks walks anchor tags for same-site links and re-seeds each as
// a fresh url-queue task. Discovery failures never fail the fetch itself.
func (f *Fetcher) discoverLinks(ctx context.Context, pageURL, siteID string, body []byte) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return
	}

	var seeded int64
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		resolved.Fragment = ""

		if !f.cfg.FollowExternal && resolved.Host != base.Host {
			return
		}
		if f.exclude != nil && f.exclude.MatchString(resolved.String()) {
			return
		}
		if f.include != nil && !f.include.MatchString(resolved.String()) {
			return
		}

		if err := f.links.SeedURL(ctx, resolved.String(), siteID); err == nil {
			atomic.AddInt64(&seeded, 1)
		}
	})
}
