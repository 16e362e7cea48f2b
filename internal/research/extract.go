package research

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const userAgent = "Mozilla/5.0 (compatible; PolymathBot/1.0)"

// maxPageChars bounds how much of one page feeds the synthesis prompt.
const maxPageChars = 4000

// Extractor turns a URL into readable text.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

// PageExtractor fetches a page over HTTP and strips it down to readable
// text with a simplified readability pass.
type PageExtractor struct {
	httpClient *http.Client
}

// NewPageExtractor returns an extractor with a sensible timeout.
func NewPageExtractor() *PageExtractor {
	return &PageExtractor{httpClient: &http.Client{Timeout: 15 * time.Second}}
}

func (e *PageExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read page body: %w", err)
	}

	text := stripHTML(string(body))
	if len(text) > maxPageChars {
		text = text[:maxPageChars] + "..."
	}
	return text, nil
}

var (
	noiseTagRe  = regexp.MustCompile(`(?is)<(script|style|noscript|iframe|nav|header|footer|aside)[^>]*>.*?</\w+>`)
	blockTagRe  = regexp.MustCompile(`(?i)</?(p|div|h[1-6]|li|br|tr)[^>]*>`)
	anyTagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRunRe  = regexp.MustCompile(`[^\S\n]+`)
	blankRunsRe = regexp.MustCompile(`\n{3,}`)
)

// stripHTML reduces an HTML document to plain text, keeping paragraph
// breaks so the synthesis model sees some structure.
func stripHTML(html string) string {
	html = noiseTagRe.ReplaceAllString(html, "")
	html = blockTagRe.ReplaceAllString(html, "\n")
	text := anyTagRe.ReplaceAllString(html, "")

	for entity, plain := range map[string]string{
		"&nbsp;": " ", "&amp;": "&", "&lt;": "<", "&gt;": ">",
		"&quot;": `"`, "&#39;": "'", "&apos;": "'",
	} {
		text = strings.ReplaceAll(text, entity, plain)
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
