package renderer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/wardenproject/warden/internal/shared/id"
)

// Page is a fixture served by the mock renderer.
type Page struct {
	URL     string
	Title   string
	HTML    string
	Latency time.Duration
}

// Mock simulates a renderer without Chromium. It serves registered
// HTML fixtures and extracts structure with goquery, which is enough
// to exercise the kernel's semantics: object model, transactions,
// audit completeness, capability enforcement.
type Mock struct {
	mu       sync.Mutex
	pages    map[string]Page
	current  map[id.ObjectID]string
	failures int
	failErr  *Error

	strip *bluemonday.Policy
}

// NewMock creates an empty mock renderer.
func NewMock() *Mock {
	return &Mock{
		pages:   make(map[string]Page),
		current: make(map[id.ObjectID]string),
		strip:   bluemonday.StrictPolicy(),
	}
}

// NewMockWithDefaults creates a mock pre-loaded with the standard
// fixture pages.
func NewMockWithDefaults() *Mock {
	m := NewMock()
	for _, p := range DefaultPages() {
		m.Register(p)
	}
	return m
}

// Register adds or replaces a fixture page.
func (m *Mock) Register(p Page) {
	m.mu.Lock()
	m.pages[p.URL] = p
	m.mu.Unlock()
}

// FailNext makes the next n Navigate or Extract calls fail with the
// given error. Dispose is not affected.
func (m *Mock) FailNext(n int, transient bool, cause error) {
	m.mu.Lock()
	m.failures = n
	m.failErr = &Error{Cause: cause, Transient: transient}
	m.mu.Unlock()
}

func (m *Mock) takeFailure() *Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return m.failErr
	}
	return nil
}

// Navigate points a tab at a URL and returns its load state. Unknown
// URLs load with an error state rather than failing the call.
func (m *Mock) Navigate(ctx context.Context, tabID id.ObjectID, url string) (LoadState, error) {
	if fail := m.takeFailure(); fail != nil {
		return LoadError, fail
	}

	m.mu.Lock()
	page, known := m.pages[url]
	m.mu.Unlock()

	if page.Latency > 0 {
		select {
		case <-time.After(page.Latency):
		case <-ctx.Done():
			return LoadError, &Error{Cause: ctx.Err(), Transient: false}
		}
	}
	if err := ctx.Err(); err != nil {
		return LoadError, &Error{Cause: err, Transient: false}
	}

	m.mu.Lock()
	m.current[tabID] = url
	m.mu.Unlock()

	if !known {
		return LoadError, nil
	}
	return LoadComplete, nil
}

// Extract pulls structured content from the tab's current page.
func (m *Mock) Extract(ctx context.Context, tabID id.ObjectID, kind Kind) (*Extraction, error) {
	if fail := m.takeFailure(); fail != nil {
		return nil, fail
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Cause: err, Transient: false}
	}

	m.mu.Lock()
	url, ok := m.current[tabID]
	page, known := m.pages[url]
	m.mu.Unlock()
	if !ok || !known {
		return nil, &Error{Cause: errors.New("tab has no loaded page"), Transient: false}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, &Error{Cause: err, Transient: false}
	}

	out := &Extraction{Kind: kind, URL: page.URL, Title: page.Title}
	switch kind {
	case KindMarkdown:
		text := strings.TrimSpace(m.strip.Sanitize(page.HTML))
		text = strings.Join(strings.Fields(text), " ")
		out.Markdown = text
		out.WordCount = len(strings.Fields(text))
	case KindForms:
		doc.Find("form").Each(func(i int, s *goquery.Selection) {
			info := FormInfo{
				Index:  i,
				Kind:   classifyForm(s),
				Action: s.AttrOr("action", ""),
				Method: strings.ToUpper(s.AttrOr("method", "GET")),
			}
			s.Find("input, textarea, select").Each(func(_ int, f *goquery.Selection) {
				if name, ok := f.Attr("name"); ok && name != "" {
					info.Fields = append(info.Fields, name)
				}
			})
			out.Forms = append(out.Forms, info)
		})
	case KindTables:
		doc.Find("table").Each(func(_ int, tbl *goquery.Selection) {
			var rows [][]string
			tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
				var cells []string
				tr.Find("th, td").Each(func(_ int, td *goquery.Selection) {
					cells = append(cells, strings.TrimSpace(td.Text()))
				})
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
			})
			if len(rows) > 0 {
				out.Tables = append(out.Tables, rows)
			}
		})
	case KindLinks:
		doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			out.Links = append(out.Links, Link{
				Href: a.AttrOr("href", ""),
				Text: strings.TrimSpace(a.Text()),
			})
		})
	default:
		return nil, &Error{Cause: errors.New("unknown extraction kind: " + string(kind)), Transient: false}
	}
	return out, nil
}

// Dispose forgets the tab's page binding.
func (m *Mock) Dispose(ctx context.Context, tabID id.ObjectID) error {
	if err := ctx.Err(); err != nil {
		return &Error{Cause: err, Transient: false}
	}
	m.mu.Lock()
	delete(m.current, tabID)
	m.mu.Unlock()
	return nil
}

// classifyForm infers the closed form kind from field shapes.
func classifyForm(s *goquery.Selection) string {
	if s.Find(`input[type="password"]`).Length() > 0 {
		return "login"
	}
	if s.Find(`input[type="search"], input[name="q"]`).Length() > 0 {
		return "search"
	}
	if s.Find("textarea").Length() > 0 {
		return "contact"
	}
	return "generic"
}

// DefaultPages returns the standard fixture set: a login page, a
// search page, and a contact page with a data table.
func DefaultPages() []Page {
	return []Page{
		{
			URL:   "https://example.test/login",
			Title: "Sign in",
			HTML: `<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
<p>Use your account credentials to continue.</p>
<form action="/login" method="POST">
  <input type="email" name="email" required>
  <input type="password" name="password" required>
  <button type="submit">Sign in</button>
</form>
<a href="/forgot">Forgot password?</a>
</body></html>`,
		},
		{
			URL:   "https://example.test/search",
			Title: "Search",
			HTML: `<html><head><title>Search</title></head><body>
<form action="/search" method="GET">
  <input type="search" name="q">
</form>
<a href="/results?page=1">Results</a>
</body></html>`,
		},
		{
			URL:   "https://example.test/contact",
			Title: "Contact us",
			HTML: `<html><head><title>Contact us</title></head><body>
<form action="/contact" method="POST">
  <input type="text" name="name" required>
  <input type="email" name="email" required>
  <textarea name="message"></textarea>
</form>
<table>
  <tr><th>Office</th><th>Hours</th></tr>
  <tr><td>Berlin</td><td>9-17</td></tr>
  <tr><td>Osaka</td><td>10-18</td></tr>
</table>
</body></html>`,
		},
	}
}
