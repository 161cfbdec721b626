// Copyright 2024-2026 Aiku AI

// Package markdownfmt renders relay message bodies, which use a small
// markdown subset, as Matrix HTML message content.
package markdownfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(?:^|[^*])_(.+?)_(?:[^*]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`(?m)^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`(?m)^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`(?m)^>\s+(.+)$`)
)

// Render builds message content for text. The body is always kept verbatim
// so that it can be fetched and appended to later; an HTML body is added
// only when text contains formatting. Mentions are left empty so relayed
// text never pings anyone.
func Render(text string, msgType event.MessageType) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType:  msgType,
		Body:     text,
		Mentions: &event.Mentions{},
	}
	if formatted, ok := ToHTML(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

func hasFormatting(text string) bool {
	for _, re := range []*regexp.Regexp{boldRe, italicRe, strikeRe, codeRe, codeBlockRe, linkRe, headingRe, blockquoteRe, ulRe, olRe} {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// safeURL allows only http, https and mailto links.
func safeURL(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:")
}

// ToHTML converts text to HTML. It reports false when text has no
// formatting and plain text should be sent instead.
func ToHTML(text string) (string, bool) {
	if text == "" || !hasFormatting(text) {
		return "", false
	}

	// Code blocks are swapped for placeholders so their content is left alone.
	var codeBlocks []string
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		lang, body := parts[1], parts[2]
		block := `<pre><code>` + html.EscapeString(body) + `</code></pre>`
		if lang != "" {
			block = `<pre><code class="language-` + html.EscapeString(lang) + `">` + html.EscapeString(body) + `</code></pre>`
		}
		codeBlocks = append(codeBlocks, block)
		return "\x00CODEBLOCK" + strconv.Itoa(len(codeBlocks)-1) + "\x00"
	})

	var result []string
	var listType string
	var listItems []string
	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		result = append(result, "<"+listType+">"+strings.Join(listItems, "")+"</"+listType+">")
		listItems = nil
		listType = ""
	}
	addItem := func(kind, item string) {
		if listType != kind {
			flushList()
			listType = kind
		}
		listItems = append(listItems, "<li>"+html.EscapeString(item)+"</li>")
	}

	for _, line := range strings.Split(processed, "\n") {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flushList()
			result = append(result, "<blockquote>"+html.EscapeString(m[1])+"</blockquote>")
		} else if m := headingRe.FindStringSubmatch(line); m != nil {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
		} else if m := ulRe.FindStringSubmatch(line); m != nil {
			addItem("ul", m[1])
		} else if m := olRe.FindStringSubmatch(line); m != nil {
			addItem("ol", m[1])
		} else {
			flushList()
			result = append(result, html.EscapeString(line))
		}
	}
	flushList()

	formatted := strings.Join(result, "\n")
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = italicRe.ReplaceAllString(formatted, "<em>$1</em>")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		if !safeURL(href) {
			return label
		}
		return `<a href="` + href + `">` + label + `</a>`
	})

	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}

	// Restored last so newlines inside code blocks are kept.
	for i, block := range codeBlocks {
		formatted = strings.Replace(formatted, "\x00CODEBLOCK"+strconv.Itoa(i)+"\x00", block, 1)
	}
	return formatted, true
}
