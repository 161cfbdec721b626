// Copyright 2024-2026 Aiku AI

package relay

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/message"

	"github.com/aiku/chatmirror/pkg/config"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	recallLayout    = "15:04:05"

	// editEntryPrefix starts every edit entry regardless of locale.
	editEntryPrefix = "----\n🕐 "
)

var separator = strings.Repeat("─", 30) + "\n"

// footerRegex matches a footer or bare caption timestamp at the end of a body.
var footerRegex = regexp.MustCompile("(?:\n\n)?`\\d{4}-\\d{2}-\\d{2} \\d{2}:\\d{2}:\\d{2}`$")

// composer renders headers, footers and markers.
type composer struct {
	loc         *time.Location
	tzLabel     string
	printer     *message.Printer
	formatName  func(config.SenderNameParams) string
	permalinker Permalinker
}

func (c *composer) timestamp(t time.Time) string {
	return t.In(c.loc).Format(timestampLayout)
}

func (c *composer) senderName(sender *Sender) string {
	if sender == nil {
		return ""
	}
	params := config.SenderNameParams{
		Username:  sender.Username,
		Nickname:  sender.Nickname,
		FirstName: sender.FirstName,
		LastName:  sender.LastName,
	}
	if c.formatName != nil {
		return c.formatName(params)
	}
	name := strings.TrimSpace(sender.FirstName + " " + sender.LastName)
	if name == "" {
		return sender.Username
	}
	return name
}

func avatarIcon(name string) string {
	for _, r := range name {
		return "🧑[" + string(r) + "]"
	}
	return "🧑"
}

// header renders the attribution block for msg. Rich media headers carry no
// separator because they end up in a caption or a follow-up reply.
func (c *composer) header(binding RouteBinding, sender *Sender, msg *Message) string {
	name := c.senderName(sender)
	var sb strings.Builder
	sb.WriteString(avatarIcon(name))
	if name != "" {
		sb.WriteString(" ")
		sb.WriteString(name)
	}
	if sender != nil && sender.Username != "" {
		sb.WriteString(" @")
		sb.WriteString(sender.Username)
	}
	if binding.Name != "" {
		sb.WriteString("\n📢 ")
		sb.WriteString(binding.Name)
	}
	if binding.Tag != "" {
		sb.WriteString(" ")
		sb.WriteString(binding.Tag)
	}
	sb.WriteString("\n🕐 ")
	sb.WriteString(c.timestamp(msg.Date))
	sb.WriteString(" (")
	sb.WriteString(c.tzLabel)
	sb.WriteString(")\n")
	if !msg.EditDate.IsZero() {
		sb.WriteString("✏️ (")
		sb.WriteString(c.printer.Sprintf(msgEdited))
		sb.WriteString(")\n")
	}
	if c.permalinker != nil {
		if link := c.permalinker.Permalink(msg.ChatID, msg.ID); link != "" {
			sb.WriteString("🔗 ")
			sb.WriteString(link)
			sb.WriteString("\n")
		}
	}
	if msg.Forward != nil {
		sb.WriteString("↪️ ")
		from := msg.Forward.FromName
		if from == "" {
			from = msg.Forward.FromID
		}
		if from != "" {
			sb.WriteString(c.printer.Sprintf(msgForwardedFrom, from))
		} else {
			sb.WriteString(c.printer.Sprintf(msgForwarded))
		}
		sb.WriteString("\n")
	}
	if !msg.Media.IsRich() {
		sb.WriteString(separator)
	}
	return sb.String()
}

// body renders header (possibly empty) followed by the message text.
// Continuation text messages get a footer timestamp.
func (c *composer) body(header string, msg *Message) string {
	content := header + msg.Text
	if header == "" && !msg.Media.IsRich() {
		content += "\n\n`" + c.timestamp(msg.Date) + "`"
	}
	return content
}

// bareTimestamp is the caption of media sent without header and text.
func (c *composer) bareTimestamp(t time.Time) string {
	return "`" + c.timestamp(t) + "`"
}

func (c *composer) editEntry(editedAt time.Time, text string) string {
	return editEntryPrefix + c.printer.Sprintf(msgEditTime) + ": " +
		c.timestamp(editedAt) + " (" + c.tzLabel + ")\n" + text
}

func (c *composer) recalledMarker(at time.Time) string {
	return "\n\n#" + c.printer.Sprintf(msgRecalledTag) + " `" + at.In(c.loc).Format(recallLayout) + "`"
}

func (c *composer) recallWarning(at time.Time, degraded bool) string {
	warning := "⚠️ " + c.printer.Sprintf(msgRecallWarning) + " ⚠️\n🕐 " +
		c.printer.Sprintf(msgRecallTime) + ": " + at.In(c.loc).Format(recallLayout)
	if degraded {
		warning += "\n#" + c.printer.Sprintf(msgRecalledTag)
	}
	return warning
}

// BackupCaption is the caption of an uploaded weekly export.
func BackupCaption(printer *message.Printer, date string) string {
	return "#" + printer.Sprintf(msgBackupCaption) + " (Weekly) " + date
}

// lastDeliveredText extracts the text most recently delivered into a copy:
// the text of the last edit entry if there is one, else the original body
// without header and footer.
func lastDeliveredText(current string) string {
	if idx := strings.LastIndex(current, editEntryPrefix); idx >= 0 {
		entry := current[idx+len(editEntryPrefix):]
		_, text, found := strings.Cut(entry, "\n")
		if !found {
			return ""
		}
		return strings.TrimSpace(text)
	}
	body := current
	if _, after, found := strings.Cut(body, separator); found {
		body = after
	}
	body = footerRegex.ReplaceAllString(body, "")
	return strings.TrimSpace(body)
}

// isDuplicateEdit reports whether text was already delivered into current.
func isDuplicateEdit(current, text string) bool {
	return lastDeliveredText(current) == strings.TrimSpace(text)
}
