// Package renderer defines the kernel's boundary to the web renderer.
// The real renderer (a CDP client) lives outside the kernel; the
// kernel only sees this message-oriented, cancellable interface.
package renderer

import (
	"context"
	"fmt"

	"github.com/wardenproject/warden/internal/shared/id"
)

// LoadState mirrors a tab's page load progression.
type LoadState string

const (
	LoadLoading     LoadState = "loading"
	LoadInteractive LoadState = "interactive"
	LoadComplete    LoadState = "complete"
	LoadError       LoadState = "error"
)

// Kind selects what Extract pulls out of a page.
type Kind string

const (
	KindMarkdown Kind = "markdown"
	KindForms    Kind = "forms"
	KindTables   Kind = "tables"
	KindLinks    Kind = "links"
)

// FormInfo describes a form discovered on a page.
type FormInfo struct {
	Index  int      `json:"index"`
	Kind   string   `json:"kind"`
	Action string   `json:"action"`
	Method string   `json:"method"`
	Fields []string `json:"fields"`
}

// Link is an anchor discovered on a page.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Extraction is the structured result of an Extract call.
type Extraction struct {
	Kind      Kind         `json:"kind"`
	URL       string       `json:"url"`
	Title     string       `json:"title"`
	Markdown  string       `json:"markdown,omitempty"`
	WordCount int          `json:"word_count,omitempty"`
	Forms     []FormInfo   `json:"forms,omitempty"`
	Tables    [][][]string `json:"tables,omitempty"`
	Links     []Link       `json:"links,omitempty"`
}

// Renderer is the opaque collaborator. Calls may suspend; all honor
// ctx cancellation.
type Renderer interface {
	Navigate(ctx context.Context, tabID id.ObjectID, url string) (LoadState, error)
	Extract(ctx context.Context, tabID id.ObjectID, kind Kind) (*Extraction, error)
	Dispose(ctx context.Context, tabID id.ObjectID) error
}

// Error wraps a renderer failure. Transient errors may be retried with
// backoff; others abort the enclosing transaction.
type Error struct {
	Cause     error
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("renderer error: %v", e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }
