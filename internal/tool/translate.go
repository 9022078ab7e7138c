package tool

import (
	"context"
	"html"
	"regexp"
	"strings"
)

// Document is the fetched page handed to the Markdown translator.
type Document struct {
	URL              string
	HTML             string
	SkipNoiseRemoval bool
}

// Markdown is the translated result. Title is optional metadata
// decorated onto the tool output when present.
type Markdown struct {
	Text  string
	Title string
}

// Translator converts a fetched HTML document into Markdown. The
// conversion engine is an external collaborator; this seam lets it be
// swapped without touching the fetch pipeline.
type Translator interface {
	Translate(ctx context.Context, doc Document) (Markdown, error)
}

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// PassthroughTranslator returns the document text unchanged, decorating
// only the page title. It stands in until a real converter is plugged
// into the seam.
type PassthroughTranslator struct{}

func (PassthroughTranslator) Translate(_ context.Context, doc Document) (Markdown, error) {
	md := Markdown{Text: doc.HTML}
	if m := titlePattern.FindStringSubmatch(doc.HTML); m != nil {
		md.Title = strings.TrimSpace(html.UnescapeString(m[1]))
	}
	return md, nil
}
