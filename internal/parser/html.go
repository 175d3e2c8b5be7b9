package parser

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy = bluemonday.StrictPolicy()
	bodyPolicy   = newBodyPolicy()

	blockBoundary = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	spaceRun      = regexp.MustCompile(`[ \t\f\v\r]+`)
)

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("p", "br", "div", "span", "table", "thead", "tbody", "tr", "th", "td")
	p.AllowAttrs("style").OnElements("span", "div", "p")
	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto")
	return p
}

// SanitizeHTML removes scripts and unsafe attributes from an HTML body.
func SanitizeHTML(s string) string {
	return bodyPolicy.Sanitize(s)
}

// StripHTML renders an HTML fragment as plain text.
func StripHTML(s string) string {
	s = blockBoundary.ReplaceAllString(s, "\n$0")
	s = html.UnescapeString(strictPolicy.Sanitize(s))

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " ")); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
