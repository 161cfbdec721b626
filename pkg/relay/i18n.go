// Copyright 2024-2026 Aiku AI

package relay

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys of the markers added to mirrored messages.
const (
	msgEdited        = "edited"
	msgForwarded     = "forwarded"
	msgForwardedFrom = "forwarded from %s"
	msgEditTime      = "edit time"
	msgRecalledTag   = "recalled"
	msgRecallWarning = "message recalled"
	msgRecallTime    = "recall time"
	msgBackupCaption = "backup"
)

var markerLanguages = []language.Tag{
	language.English,
	language.SimplifiedChinese,
}

var markerMatcher = language.NewMatcher(markerLanguages)

var markerCatalog = map[language.Tag]map[string]string{
	language.English: {
		msgEdited:        "edited",
		msgForwarded:     "Forwarded",
		msgForwardedFrom: "Forwarded from %s",
		msgEditTime:      "Edited at",
		msgRecalledTag:   "recalled",
		msgRecallWarning: "Message recalled",
		msgRecallTime:    "Recalled at",
		msgBackupCaption: "backup",
	},
	language.SimplifiedChinese: {
		msgEdited:        "已编辑",
		msgForwarded:     "转发",
		msgForwardedFrom: "转发自 %s",
		msgEditTime:      "修改时间",
		msgRecalledTag:   "已撤回",
		msgRecallWarning: "消息已被撤回",
		msgRecallTime:    "撤回时间",
		msgBackupCaption: "备份",
	},
}

func init() {
	for tag, messages := range markerCatalog {
		for key, msg := range messages {
			if err := message.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
}

// NewPrinter returns the marker printer for a locale such as "en" or "zh".
// Unknown locales fall back to English.
func NewPrinter(locale string) *message.Printer {
	tag, err := language.Parse(locale)
	if err != nil {
		return message.NewPrinter(language.English)
	}
	_, idx, _ := markerMatcher.Match(tag)
	return message.NewPrinter(markerLanguages[idx])
}
