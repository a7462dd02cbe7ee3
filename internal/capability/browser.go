package capability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// #region browser
// Browser is a simulated navigation/extraction tool. It keeps a current URL
// and canned page content per session; no real rendering happens.
type Browser struct {
	mu      sync.Mutex
	current string
	pages   map[string]string // url → canned content
	history []string
}

// NewBrowser returns a browser seeded with canned pages. pages may be nil.
func NewBrowser(pages map[string]string) *Browser {
	if pages == nil {
		pages = make(map[string]string)
	}
	return &Browser{pages: pages}
}

// Invoke implements Tool. Methods: open, click, fill, wait_for, extract.
func (b *Browser) Invoke(ctx context.Context, method string, params map[string]string) (Observation, error) {
	if err := ctx.Err(); err != nil {
		return Observation{}, Failure(fmt.Sprintf("browser.%s canceled: %v", method, err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	switch method {
	case "open":
		url := params["url"]
		if url == "" {
			return Observation{}, Failure("browser.open: missing url")
		}
		b.current = url
		b.history = append(b.history, url)
		content, ok := b.pages[url]
		if !ok {
			content = fmt.Sprintf("<html><title>%s</title></html>", url)
		}
		return Observation{
			Kind:    "browser_page",
			Payload: map[string]string{"url": url, "content": content},
			At:      now,
		}, nil

	case "click", "fill", "wait_for":
		if b.current == "" {
			return Observation{}, Failure(fmt.Sprintf("browser.%s: no page open", method))
		}
		if params["selector"] == "" {
			return Observation{}, Failure(fmt.Sprintf("browser.%s: missing selector", method))
		}
		return Observation{
			Kind:    "browser_" + method,
			Payload: map[string]string{"url": b.current, "selector": params["selector"]},
			At:      now,
		}, nil

	case "extract":
		if b.current == "" {
			return Observation{}, Failure("browser.extract: no page open")
		}
		content := b.pages[b.current]
		return Observation{
			Kind:    "browser_extract",
			Payload: map[string]string{"url": b.current, "content": content},
			At:      now,
		}, nil

	default:
		return Observation{}, Failure(fmt.Sprintf("browser: unknown method %q", method))
	}
}

// History returns visited URLs in order.
func (b *Browser) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.history...)
}

// #endregion browser
