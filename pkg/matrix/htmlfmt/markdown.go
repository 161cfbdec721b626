// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package htmlfmt converts incoming Matrix message content to the markdown
// text that the relay composes its copies from.
package htmlfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	replyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	strongRe     = regexp.MustCompile(`<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe         = regexp.MustCompile(`<(?:em|i)>(.*?)</(?:em|i)>`)
	delRe        = regexp.MustCompile(`<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// ToMarkdown returns the text of a Matrix message. HTML bodies are
// converted to markdown and reply fallbacks are removed in both forms.
func ToMarkdown(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		if content.RelatesTo != nil && content.RelatesTo.GetReplyTo() != "" {
			return stripPlainReplyFallback(content.Body)
		}
		return content.Body
	}
	return htmlToMarkdown(content.FormattedBody)
}

// stripPlainReplyFallback drops the quoted "> <@user> ..." lines that older
// clients prepend to replies.
func stripPlainReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i < len(lines) && lines[i] == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

func listItems(match string, ordered bool) string {
	items := liRe.FindAllStringSubmatch(match, -1)
	result := make([]string, 0, len(items))
	for i, item := range items {
		marker := "- "
		if ordered {
			marker = strconv.Itoa(i+1) + ". "
		}
		result = append(result, marker+strings.TrimSpace(item[1]))
	}
	return strings.Join(result, "\n")
}

func htmlToMarkdown(text string) string {
	text = replyRe.ReplaceAllString(text, "")

	// Code blocks first (preserve content inside).
	text = preRe.ReplaceAllString(text, "```\n$1\n```")
	text = codeRe.ReplaceAllString(text, "`$1`")

	text = strongRe.ReplaceAllString(text, "**$1**")
	text = emRe.ReplaceAllString(text, "_${1}_")
	text = delRe.ReplaceAllString(text, "~~$1~~")
	text = linkRe.ReplaceAllString(text, "[$2]($1)")

	text = headingRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := headingRe.FindStringSubmatch(match)
		level := int(parts[1][0] - '0')
		return strings.Repeat("#", level) + " " + parts[2]
	})

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		inner := brRe.ReplaceAllString(strings.TrimSpace(parts[1]), "\n")
		lines := strings.Split(inner, "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	})

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		return listItems(match, false)
	})
	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		return listItems(match, true)
	})

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	return strings.TrimSpace(html.UnescapeString(text))
}
