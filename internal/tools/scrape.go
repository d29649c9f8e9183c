package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	scrapeBodyLimit = 2 << 20
	scrapeTextLimit = 8000
)

func (r *Registry) scrapePage(ctx context.Context, pageURL string) (string, error) {
	if !strings.HasPrefix(pageURL, "http://") && !strings.HasPrefix(pageURL, "https://") {
		return "", fmt.Errorf("url must be http or https")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; loombot/1.0)")

	resp, err := r.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, scrapeBodyLimit))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}
	return extractReadableText(doc), nil
}

// extractReadableText drops script/style and navigation chrome, then
// whitespace-normalizes what remains.
func extractReadableText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside, iframe").Remove()
	text := doc.Find("body").Text()
	if text == "" {
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")
	return truncateText(text, scrapeTextLimit)
}

// truncateText caps s at limit runes, appending a marker when cut.
func truncateText(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + " [truncated]"
}
