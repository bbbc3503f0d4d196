// Package render turns model output into sanitized HTML for clients.
package render

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"career-agent/internal/domain"
)

// MinReferencesLength is the rendered length, in characters, below which no
// references footer is attached.
const MinReferencesLength = 200

// Renderer converts markdown to HTML and strips anything unsafe.
// It is safe for concurrent use.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// New creates a Renderer with GitHub-flavored markdown and the UGC policy.
func New() *Renderer {
	strict := bluemonday.StrictPolicy()
	strict.AddSpaceWhenStrippingTag(true)
	return &Renderer{
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy: bluemonday.UGCPolicy(),
		strict: strict,
	}
}

// HTML renders markdown source to sanitized HTML.
func (r *Renderer) HTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("render: convert markdown: %w", err)
	}
	return strings.TrimSpace(r.policy.Sanitize(buf.String())), nil
}

// PlainText strips every tag from rendered HTML and unescapes entities.
func (r *Renderer) PlainText(rendered string) string {
	text := html.UnescapeString(r.strict.Sanitize(rendered))
	return strings.Join(strings.Fields(text), " ")
}

// WithReferences appends a references footer listing sources when the
// rendered response is long enough to warrant one.
func WithReferences(rendered string, sources []domain.Source) string {
	if utf8.RuneCountInString(rendered) < MinReferencesLength || len(sources) == 0 {
		return rendered
	}
	links := make([]string, 0, len(sources))
	for _, s := range sources {
		links = append(links, fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(s.URL), html.EscapeString(s.Name)))
	}
	return rendered + "<br><strong>References:</strong> " + strings.Join(links, " • ")
}
