package telegram

import (
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/domain"
)

func TestEntityTextUTF16Offsets(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		offset int
		length int
		want   string
	}{
		{"ascii", "@bot hello", 0, 4, "@bot"},
		// "👍" is two UTF-16 code units; entity offsets count them both.
		{"after emoji", "👍 @bot hi", 3, 4, "@bot"},
		{"cyrillic prefix", "привет @bot", 7, 4, "@bot"},
		{"out of range", "short", 3, 10, ""},
		{"negative offset", "text", -1, 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &tgbotapi.Message{Text: tt.text}
			e := tgbotapi.MessageEntity{Offset: tt.offset, Length: tt.length}
			if got := entityText(msg, e); got != tt.want {
				t.Errorf("entityText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEntityTextFallsBackToCaption(t *testing.T) {
	msg := &tgbotapi.Message{Caption: "@bot describe this"}
	e := tgbotapi.MessageEntity{Offset: 0, Length: 4}
	if got := entityText(msg, e); got != "@bot" {
		t.Errorf("entityText = %q", got)
	}
}

func TestChatKind(t *testing.T) {
	tests := []struct {
		chatType string
		want     domain.ChatKind
	}{
		{"private", domain.KindDM},
		{"group", domain.KindGroup},
		{"supergroup", domain.KindGroup},
		{"channel", domain.KindOther},
	}
	for _, tt := range tests {
		got := chatKind(&tgbotapi.Chat{Type: tt.chatType})
		if got != tt.want {
			t.Errorf("chatKind(%q) = %v, want %v", tt.chatType, got, tt.want)
		}
	}
}

func TestSenderLabel(t *testing.T) {
	tests := []struct {
		name string
		user tgbotapi.User
		want string
	}{
		{"full name", tgbotapi.User{FirstName: "Ada", LastName: "Lovelace", UserName: "ada"}, "Ada Lovelace"},
		{"first only", tgbotapi.User{FirstName: "Ada"}, "Ada"},
		{"username fallback", tgbotapi.User{UserName: "ada"}, "ada"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := senderLabel(&tt.user); got != tt.want {
				t.Errorf("senderLabel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsStandardReaction(t *testing.T) {
	for _, emoji := range []string{"👍", "👀", "🔥", "❤"} {
		if !IsStandardReaction(emoji) {
			t.Errorf("%q should be a standard reaction", emoji)
		}
	}
	for _, emoji := range []string{"", "🧿", "not-an-emoji"} {
		if IsStandardReaction(emoji) {
			t.Errorf("%q should not be a standard reaction", emoji)
		}
	}
}

func TestIsParseError(t *testing.T) {
	if !isParseError(errors.New("Bad Request: can't parse entities: unclosed bold")) {
		t.Error("entity parse failure not detected")
	}
	if isParseError(errors.New("Forbidden: bot was blocked by the user")) {
		t.Error("unrelated error flagged as parse error")
	}
	if isParseError(nil) {
		t.Error("nil error flagged")
	}
}
