package linkparse

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

const defaultMaxBodyBytes = 5 << 20

var (
	linkPattern           = regexp.MustCompile(`https?://[^\s]+`)
	styleBlockPattern     = regexp.MustCompile(`(?is)<style[^>]*?>.*?</style>`)
	stylesheetLinkPattern = regexp.MustCompile(`(?i)<link[^>]*?rel="stylesheet"[^>]*?>`)
	textContentReplacer   = strings.NewReplacer("\n", "", "\t", "")
)

// Article is the readable content extracted from a linked page.
type Article struct {
	URL         string
	Title       string
	TextContent string
	Excerpt     string
	Byline      string
}

type Options struct {
	HTTPClient *http.Client
	// Limiter throttles outbound page fetches. Nil means unlimited.
	Limiter      *rate.Limiter
	MaxBodyBytes int64
	UserAgent    string
	Logger       *slog.Logger
}

// Parser fetches the first link found in a note body and extracts its main
// content. It never fails: every problem degrades to "no article".
type Parser struct {
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxBodyBytes int64
	userAgent    string
	logger       *slog.Logger
}

func NewParser(opts Options) *Parser {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxBodyBytes := opts.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		httpClient:   httpClient,
		limiter:      opts.Limiter,
		maxBodyBytes: maxBodyBytes,
		userAgent:    strings.TrimSpace(opts.UserAgent),
		logger:       logger,
	}
}

// FirstLink returns the first http(s) URL in text, or "".
func FirstLink(text string) string {
	return linkPattern.FindString(text)
}

// Parse extracts the article behind the first link in body. It reports false
// when body has no link or when nothing usable could be extracted.
func (p *Parser) Parse(ctx context.Context, body string) (*Article, bool) {
	link := FirstLink(body)
	if link == "" {
		return nil, false
	}
	article, err := p.extract(ctx, link)
	if err != nil {
		p.logger.Warn("error parsing link", "url", link, "error", err)
		return nil, false
	}
	if article == nil {
		p.logger.Debug("no readable excerpt", "url", link)
		return nil, false
	}
	p.logger.Info("readability excerpt found", "url", link)
	return article, true
}

func (p *Parser) extract(ctx context.Context, link string) (*Article, error) {
	pageURL, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if pageURL.Host == "" {
		return nil, fmt.Errorf("invalid url %q", link)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: http %d", pageURL.Redacted(), resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBodyBytes))
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(StripStyles(string(raw))))
	if err != nil {
		return nil, err
	}
	parsed, err := readability.FromDocument(doc, pageURL)
	if err != nil {
		return nil, err
	}
	if parsed.Excerpt == "" {
		return nil, nil
	}
	return &Article{
		URL:         link,
		Title:       parsed.Title,
		TextContent: textContentReplacer.Replace(parsed.TextContent),
		Excerpt:     parsed.Excerpt,
		Byline:      parsed.Byline,
	}, nil
}

// StripStyles removes <style> blocks and stylesheet <link> tags from markup.
func StripStyles(markup string) string {
	markup = styleBlockPattern.ReplaceAllString(markup, "")
	return stylesheetLinkPattern.ReplaceAllString(markup, "")
}
