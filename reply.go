package chatsync

import (
	"fmt"
	"regexp"
	"strings"
)

// ============================================================================
// Reply hydration
// ============================================================================

// replyTextLimit is the maximum preview length in runes before truncation.
const replyTextLimit = 120

var whitespaceRun = regexp.MustCompile(`\s+`)

// HydrateReplies resolves reply references into denormalized snippets. It is
// pure and O(n): one pass builds an id lookup, a second pass synthesizes the
// snippets. References to messages absent from the list (already deleted, or
// not yet loaded) are dropped silently.
func HydrateReplies(msgs []Message) []Message {
	if len(msgs) == 0 {
		return msgs
	}

	byID := make(map[string]*Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	out := make([]Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if out[i].ReplyToID == "" {
			out[i].ReplyTo = nil
			continue
		}
		ref, ok := byID[out[i].ReplyToID]
		if !ok {
			out[i].ReplyTo = nil
			continue
		}
		out[i].ReplyTo = snippetFor(ref)
	}
	return out
}

// snippetFor builds the preview for one referenced message. Text types carry
// a collapsed, truncated excerpt; other types carry a structured summary.
func snippetFor(ref *Message) *ReplySnippet {
	sn := &ReplySnippet{
		ID:     ref.ID,
		Sender: senderLabel(ref),
		Type:   ref.Type,
	}

	if ref.DeletedForEveryone {
		sn.Text = "Message deleted"
		return sn
	}

	switch ref.Type {
	case TypeAudio:
		sn.Text = fmt.Sprintf("Voice message (%s)", formatDuration(ref.Duration))
	case TypePoll:
		sn.Text = "Poll: " + collapseText(ref.Question)
	case TypeLocation:
		sn.Text = "Location"
	case TypeImage, TypeGif:
		if ref.Caption != "" {
			sn.Text = collapseText(ref.Caption)
		} else if ref.AttachmentCount > 1 {
			sn.Text = fmt.Sprintf("%d photos", ref.AttachmentCount)
		} else {
			sn.Text = "Photo"
		}
	case TypeFile:
		if ref.Caption != "" {
			sn.Text = collapseText(ref.Caption)
		} else {
			sn.Text = "File"
		}
	default:
		sn.Text = collapseText(ref.Content)
	}
	return sn
}

func senderLabel(m *Message) string {
	if m.AuthorName != "" {
		return m.AuthorName
	}
	return m.AuthorID
}

// collapseText trims, collapses internal whitespace to single spaces, and
// truncates to replyTextLimit runes with a trailing ellipsis.
func collapseText(s string) string {
	s = whitespaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
	runes := []rune(s)
	if len(runes) <= replyTextLimit {
		return s
	}
	return string(runes[:replyTextLimit]) + "…"
}

func formatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
