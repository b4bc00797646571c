// Package sanitize cleans message HTML before it is quoted into a reply
// or forward.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// strictPolicy removes all markup.
	strictPolicy = bluemonday.StrictPolicy()

	// quotePolicy keeps the formatting an email body needs.
	quotePolicy = newQuotePolicy()
)

func newQuotePolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()

	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "u", "s", "code", "pre")
	p.AllowElements("ul", "ol", "li")
	p.AllowElements("blockquote")
	p.AllowElements("a", "img")
	p.AllowElements("table", "thead", "tbody", "tr", "th", "td")

	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("style").OnElements("span", "div", "p")

	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	return p
}

// HTML returns body with scripts, event handlers and unsafe URLs removed.
func HTML(body string) string {
	return quotePolicy.Sanitize(body)
}

// Strip removes all markup.
func Strip(body string) string {
	return strictPolicy.Sanitize(body)
}

// TextToHTML escapes a plain text body and keeps its line breaks.
func TextToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

// Body picks the HTML body when there is one, else the escaped text body.
func Body(bodyHTML, bodyText string) string {
	if strings.TrimSpace(bodyHTML) != "" {
		return HTML(bodyHTML)
	}
	return TextToHTML(bodyText)
}
