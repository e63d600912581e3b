package handler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
)

// cleanStrategy converts a raw body of a given content type into cleaned
// plain text or markdown. Strategies that can't yet handle a content type
// return a PermanentError rather than silently passing raw bytes through.
type cleanStrategy func(body []byte) (string, error)

// Cleaner is the clean-stage handler: it strips markup and boilerplate from
// a fetched body, selecting a strategy by the envelope's content type.
type Cleaner struct {
	strategies map[string]cleanStrategy

	mu    sync.Mutex
	stats Stats
}

// NewCleaner builds a Cleaner with the default strategy table: HTML via
// html-to-markdown, plaintext and markdown passed through verbatim, and
// named stubs for content types this pipeline doesn't parse yet.
func NewCleaner() *Cleaner {
	c := &Cleaner{strategies: map[string]cleanStrategy{}}
	c.strategies["text/html"] = c.cleanHTML
	c.strategies["application/xhtml+xml"] = c.cleanHTML
	c.strategies["text/plain"] = passthrough
	c.strategies["text/markdown"] = passthrough
	c.strategies["application/pdf"] = unsupported("PDF extraction")
	c.strategies["application/vnd.openxmlformats-officedocument.wordprocessingml.document"] = unsupported("DOCX extraction")
	return c
}

func (c *Cleaner) OnStart(ctx context.Context) error { return nil }
func (c *Cleaner) OnStop(ctx context.Context) error  { return nil }

func (c *Cleaner) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cleaner) record(succeeded bool) {
	c.mu.Lock()
	c.stats.Processed++
	if succeeded {
		c.stats.Succeeded++
	} else {
		c.stats.Failed++
	}
	c.mu.Unlock()
}

// Process strips env.RawContent down to cleaned text and advances the
// envelope to the persist stage.
func (c *Cleaner) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	raw, err := env.RawBytes()
	if err != nil {
		c.record(false)
		return nil, &PermanentError{Err: fmt.Errorf("decode raw content: %w", err)}
	}

	mimeType := baseMimeType(env.ContentType)
	strategy, ok := c.strategies[mimeType]
	if !ok {
		c.record(false)
		return nil, &PermanentError{Err: fmt.Errorf("no clean strategy for content type %q", env.ContentType)}
	}

	cleaned, err := strategy(raw)
	if err != nil {
		c.record(false)
		return nil, err
	}

	env.CleanedContent = cleaned
	env.RawContent = ""
	env.ContentEncoding = ""
	env.Advance("clean")
	c.record(true)
	return env, nil
}

func baseMimeType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}

func passthrough(body []byte) (string, error) {
	return string(body), nil
}

func unsupported(what string) cleanStrategy {
	return func(body []byte) (string, error) {
		return "", &PermanentError{Err: fmt.Errorf("%s is not supported by this pipeline", what)}
	}
}

var commentRE = regexp.MustCompile(`<!--[\s\S]*?-->`)
var blankRunRE = regexp.MustCompile(`\n{3,}`)

func (c *Cleaner) cleanHTML(body []byte) (string, error) {
	html := string(body)
	if strings.TrimSpace(html) == "" {
		return "", &PermanentError{Err: fmt.Errorf("empty HTML body")}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("parse HTML: %w", err)}
	}
	doc.Find("script, style, nav, footer, aside, header").Remove()
	stripped, err := doc.Html()
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("re-render HTML: %w", err)}
	}

	conv := converter.NewConverter(converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	))
	markdown, err := conv.ConvertString(stripped)
	if err != nil {
		return "", &TransientError{Err: fmt.Errorf("convert to markdown: %w", err)}
	}

	cleaned := commentRE.ReplaceAllString(markdown, "")
	cleaned = blankRunRE.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned), nil
}
