package sanitize

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestHeaderFlattensLineBreaks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "advisor@university.edu", "advisor@university.edu"},
		{"crlf injection", "a@x.com\r\nBcc: evil@x.com", "a@x.com Bcc: evil@x.com"},
		{"bare lf", "Hello\nWorld", "Hello World"},
		{"runs collapse", "a\r\n\r\n\tb", "a b"},
		{"trim", "\r\n  spaced  \n", "spaced"},
		{"unicode kept", "Résumé\r\nreview", "Résumé review"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Header(tt.in, MaxAddressHeader)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, "\r")
			assert.NotContains(t, got, "\n")
		})
	}
}

func TestHeaderCapsLength(t *testing.T) {
	long := strings.Repeat("é", 400)
	got := Subject(long)
	assert.Equal(t, MaxSubject, utf8.RuneCountInString(got))

	assert.LessOrEqual(t, len([]rune(Address(strings.Repeat("a", 2000)))), MaxAddressHeader)
}

func TestHTMLStripsActiveContent(t *testing.T) {
	in := `<p onclick="steal()">Hi <b>there</b></p>` +
		`<script>alert(1)</script>` +
		`<style>body{display:none}</style>` +
		`<a href="javascript:alert(1)">bad</a>` +
		`<a href="https://university.edu/apply">apply</a>` +
		`<img src="https://cdn.example.com/logo.png" onerror="x()">` +
		`<table><tr><td colspan="2">cell</td></tr></table>`

	out := HTML(in)

	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "onerror")
	assert.NotContains(t, out, "javascript:")
	assert.NotContains(t, out, "display:none")
	assert.Contains(t, out, "<b>there</b>")
	assert.Contains(t, out, `href="https://university.edu/apply"`)
	assert.Contains(t, out, `src="https://cdn.example.com/logo.png"`)
	assert.Contains(t, out, `<td colspan="2">cell</td>`)
}

func TestPlainText(t *testing.T) {
	assert.Equal(t, "Hi there & welcome", PlainText("<p>Hi <b>there</b> &amp; welcome</p>"))
}

func TestFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"transcript.pdf", "transcript.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\cv.docx`, "cv.docx"},
		{"evil\"; name=x.exe", "evil__ name=x.exe"},
		{"line\r\nbreak.txt", "linebreak.txt"},
		{"", "attachment"},
		{"..", "attachment"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Filename(tt.in), "input %q", tt.in)
	}
}
