package content

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"kruzhok/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	policy = bluemonday.UGCPolicy()

	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
	)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is applied to message bodies at the adapter edge, before persisting
// and before rendering rows received from the change feed.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// RenderMarkdown converts a message body to sanitized HTML for display.
func RenderMarkdown(body string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// NormalizeBody trims surrounding whitespace. An empty result means the
// message must not be sent.
func NormalizeBody(body string) string {
	return strings.TrimSpace(body)
}

// TranscriptHTML renders messages as an HTML fragment, oldest first. Bodies
// go through the markdown renderer, author names are escaped.
func TranscriptHTML(msgs []models.Message) (string, error) {
	var b strings.Builder
	for _, msg := range msgs {
		author := "Unknown"
		if msg.Author != nil && msg.Author.Username != "" {
			author = msg.Author.Username
		}
		body, err := RenderMarkdown(msg.Body)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "<article class=%q><header>%s <time>%s</time></header>%s</article>\n",
			string(msg.Kind), Escape(author), msg.CreatedAt.Format(time.RFC3339), body)
	}
	return b.String(), nil
}
