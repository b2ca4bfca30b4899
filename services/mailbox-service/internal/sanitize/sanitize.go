// Package sanitize neutralizes caller input before it reaches a mail envelope or a response header.
package sanitize

import (
	"html"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	MaxAddressHeader = 998
	MaxSubject       = 255
	MaxFilename      = 255
)

var (
	// Structural tags, links, images by reference and tables. No script, style or event attributes.
	htmlPolicy = newHTMLPolicy()
	textPolicy = bluemonday.StrictPolicy()
)

func newHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.RequireNoReferrerOnLinks(true)
	p.AllowAttrs("align", "valign", "width", "height", "colspan", "rowspan", "bgcolor").
		OnElements("table", "thead", "tbody", "tfoot", "tr", "td", "th")
	return p
}

// HTML returns body reduced to the allow-listed tag and attribute set
func HTML(body string) string {
	return htmlPolicy.Sanitize(body)
}

// PlainText strips every tag, for the text/plain alternative of an HTML body
func PlainText(body string) string {
	return strings.TrimSpace(html.UnescapeString(textPolicy.Sanitize(body)))
}

// Header collapses every run of line breaks and other control characters into
// a single space, trims the result and caps it at max runes.
func Header(value string, max int) string {
	var b strings.Builder
	b.Grow(len(value))
	pendingSpace := false
	for _, r := range value {
		if r == '\r' || r == '\n' || unicode.IsControl(r) {
			pendingSpace = true
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return truncate(strings.TrimSpace(b.String()), max)
}

// Address flattens a recipient list header value
func Address(value string) string {
	return Header(value, MaxAddressHeader)
}

// Subject flattens a subject header value
func Subject(value string) string {
	return Header(value, MaxSubject)
}

// Filename reduces an attachment name to a safe base name for Content-Disposition
func Filename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)

	name = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsControl(r):
			return -1
		case r == '"' || r == '/' || r == ';':
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == ".." {
		return "attachment"
	}
	return truncate(name, MaxFilename)
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
