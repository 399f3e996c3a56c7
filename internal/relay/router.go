package relay

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"chatrelay/internal/domain"
)

// Route is the outcome of session routing for one accepted event.
type Route struct {
	ConversationKey string
	Channel         domain.ChannelDescriptor
	Text            string // extracted text, mention token stripped
	IsGroup         bool
}

// routeEvent derives the conversation key and channel descriptor for an
// event and applies group gating: in groups the bot only answers when
// explicitly mentioned or when the message replies to one of its own. The
// mention token is stripped from the text. DMs are never gated.
//
// Returns ok=false for events that must be dropped without processing:
// nothing extractable, or an ungated group message.
func routeEvent(ev domain.InboundEvent, botHandle string) (Route, bool) {
	text := strings.TrimSpace(ev.Body())
	if text == "" && len(ev.Attachments) == 0 {
		return Route{}, false
	}

	isGroup := ev.Kind == domain.KindGroup
	if ev.Kind == domain.KindOther {
		return Route{}, false
	}

	if isGroup {
		mentioned := wasMentioned(ev, botHandle)
		if !mentioned && !ev.IsReplyToBot {
			return Route{}, false
		}
		if mentioned {
			text = stripMention(text, botHandle)
		}
	}

	key, id := conversationKey(ev, isGroup)
	return Route{
		ConversationKey: key,
		Channel: domain.ChannelDescriptor{
			Type:        ev.Transport,
			ID:          id,
			DisplayName: ev.SenderLabel,
		},
		Text:    text,
		IsGroup: isGroup,
	}, true
}

// conversationKey maps a physical chat to a stable session key. DMs key on
// the sender so the same user gets the same session from any device; groups
// key on the chat. The dm/group tag keeps the two spaces disjoint.
func conversationKey(ev domain.InboundEvent, isGroup bool) (key, scopedID string) {
	if isGroup {
		scopedID = fmt.Sprintf("group:%d", ev.ChatID)
	} else {
		scopedID = fmt.Sprintf("dm:%s", ev.SenderID)
	}
	return ev.Transport + ":" + scopedID, scopedID
}

func wasMentioned(ev domain.InboundEvent, botHandle string) bool {
	if botHandle == "" {
		return false
	}
	for _, h := range ev.MentionedHandles {
		if strings.EqualFold(strings.TrimPrefix(h, "@"), botHandle) {
			return true
		}
	}
	return false
}

// stripMention removes the bot's "@handle" tokens from the text, leaving the
// rest of it byte-intact.
func stripMention(text, botHandle string) string {
	needle := "@" + botHandle
	for {
		i := mentionIndex(text, needle)
		if i < 0 {
			break
		}
		end := i + len(needle)
		// Absorb one adjacent space so removal leaves no double gap.
		switch {
		case end < len(text) && text[end] == ' ':
			end++
		case i > 0 && text[i-1] == ' ':
			i--
		}
		text = text[:i] + text[end:]
	}
	return strings.TrimSpace(text)
}

// mentionIndex finds needle in text case-insensitively, accepting only
// occurrences bounded by whitespace or the text edges.
func mentionIndex(text, needle string) int {
	for i := 0; i+len(needle) <= len(text); i++ {
		if !strings.EqualFold(text[i:i+len(needle)], needle) {
			continue
		}
		if i > 0 {
			r, _ := utf8.DecodeLastRuneInString(text[:i])
			if !unicode.IsSpace(r) {
				continue
			}
		}
		if end := i + len(needle); end < len(text) {
			r, _ := utf8.DecodeRuneInString(text[end:])
			if !unicode.IsSpace(r) {
				continue
			}
		}
		return i
	}
	return -1
}
