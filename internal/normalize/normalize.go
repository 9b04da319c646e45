// Package normalize converts uploaded content into the plain text that gets
// chunked and indexed.
package normalize

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Content types recorded on documents.
const (
	TypePlain    = "text/plain"
	TypeMarkdown = "text/markdown"
	TypeHTML     = "text/html"
)

// Result is normalized content.
type Result struct {
	Text        string
	Title       string
	ContentType string
}

var (
	blankRuns = regexp.MustCompile(`\n{3,}`)
	trailing  = regexp.MustCompile(`[ \t]+\n`)
)

// DetectType guesses the content type from the declared type, the file
// extension and finally the content itself.
func DetectType(filename, declared, content string) string {
	d := strings.ToLower(declared)
	switch {
	case strings.Contains(d, "html"):
		return TypeHTML
	case strings.Contains(d, "markdown"):
		return TypeMarkdown
	case d != "":
		return TypePlain
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm", ".xhtml":
		return TypeHTML
	case ".md", ".markdown":
		return TypeMarkdown
	}
	head := strings.ToLower(strings.TrimSpace(content))
	if strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html") {
		return TypeHTML
	}
	return TypePlain
}

// Content normalizes content according to its detected type. HTML is
// reduced to its readable text; other text only gets line endings unified.
func Content(filename, declared, content string) (Result, error) {
	ct := DetectType(filename, declared, content)
	if ct != TypeHTML {
		return Result{Text: cleanWhitespace(content), ContentType: ct}, nil
	}
	text, title, err := HTMLToText(content)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: text, Title: title, ContentType: ct}, nil
}

// HTMLToText extracts headings, paragraphs and list items, one block per
// paragraph, from the main content of an HTML page.
func HTMLToText(page string) (text, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page))
	if err != nil {
		return "", "", err
	}
	title = strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, header, footer").Remove()

	sel := doc.Find("main, article")
	if sel.Length() == 0 {
		sel = doc.Find("body")
	}
	if sel.Length() == 0 {
		sel = doc.Selection
	}

	var parts []string
	sel.Find("h1,h2,h3,h4,h5,h6,p,li,pre,blockquote,td").Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are emitted by their innermost element.
		if s.Find("p,li,pre,blockquote").Length() > 0 {
			return
		}
		t := strings.Join(strings.Fields(s.Text()), " ")
		if len(t) > 0 {
			parts = append(parts, t)
		}
	})
	if len(parts) == 0 {
		t := strings.Join(strings.Fields(sel.Text()), " ")
		return t, title, nil
	}
	return cleanWhitespace(strings.Join(parts, "\n\n")), title, nil
}

func cleanWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = trailing.ReplaceAllString(s, "\n")
	return blankRuns.ReplaceAllString(s, "\n\n")
}
