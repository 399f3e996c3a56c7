// Package telegram adapts the Telegram Bot API to the transport and event
// contracts: it normalizes updates onto the bus and delivers outbound sends,
// edits, and reactions.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

const pollTimeout = 30 // seconds, long-poll

// Adapter connects one bot account. It is both the inbound update source and
// the outbound domain.Transport.
type Adapter struct {
	bot       *tgbotapi.BotAPI
	bus       *bus.Bus
	logger    *slog.Logger
	parseMode string
	mode      string // "polling" | "webhook"
	webhook   string
	listen    string

	// Telegram allows roughly 30 outbound API calls per second per bot.
	limiter *rate.Limiter
}

type Config struct {
	Token      string
	Mode       string // "polling" (default) | "webhook"
	WebhookURL string
	ListenAddr string
	ParseMode  string
	Logger     *slog.Logger
}

func New(cfg Config, b *bus.Bus) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Mode == "" {
		cfg.Mode = "polling"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		bot:       bot,
		bus:       b,
		logger:    cfg.Logger,
		parseMode: cfg.ParseMode,
		mode:      cfg.Mode,
		webhook:   cfg.WebhookURL,
		listen:    cfg.ListenAddr,
		limiter:   rate.NewLimiter(rate.Limit(25), 5),
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// BotHandle returns the bot's own username, for group mention gating.
func (a *Adapter) BotHandle() string { return a.bot.Self.UserName }

// Start receives updates until ctx is done. In polling mode it long-polls; in
// webhook mode it registers the webhook and serves the callback endpoint.
func (a *Adapter) Start(ctx context.Context) error {
	a.logger.Info("telegram connected", "username", a.bot.Self.UserName, "id", a.bot.Self.ID, "mode", a.mode)

	var updates tgbotapi.UpdatesChannel
	var srv *http.Server

	switch a.mode {
	case "webhook":
		wh, err := tgbotapi.NewWebhook(a.webhook)
		if err != nil {
			return fmt.Errorf("telegram webhook config: %w", err)
		}
		if _, err := a.bot.Request(wh); err != nil {
			return fmt.Errorf("telegram webhook register: %w", err)
		}
		u, err := url.Parse(a.webhook)
		if err != nil {
			return fmt.Errorf("telegram webhook url: %w", err)
		}
		ch := make(chan tgbotapi.Update, 100)
		mux := http.NewServeMux()
		mux.HandleFunc(u.Path, func(w http.ResponseWriter, r *http.Request) {
			update, err := a.bot.HandleUpdate(r)
			if err != nil {
				a.logger.Warn("malformed webhook update", "err", err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			ch <- *update
		})
		addr := a.listen
		if addr == "" {
			addr = ":8443"
		}
		srv = &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("telegram webhook server failed", "err", err)
			}
		}()
		updates = ch
	default:
		u := tgbotapi.NewUpdate(0)
		u.Timeout = pollTimeout
		updates = a.bot.GetUpdatesChan(u)
	}

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("telegram adapter stopping")
			if srv != nil {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutCtx)
				cancel()
			} else {
				a.bot.StopReceivingUpdates()
			}
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(update)
		}
	}
}

// handleUpdate normalizes one update into an InboundEvent and publishes it.
// Gating and policy happen downstream; the adapter only translates.
func (a *Adapter) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if msg.From.IsBot {
		return
	}

	ev := domain.InboundEvent{
		Transport:    "telegram",
		SenderID:     strconv.FormatInt(msg.From.ID, 10),
		SenderHandle: msg.From.UserName,
		SenderLabel:  senderLabel(msg.From),
		ChatID:       msg.Chat.ID,
		Kind:         chatKind(msg.Chat),
		MessageID:    msg.MessageID,
		Text:         msg.Text,
		Caption:      msg.Caption,
		Timestamp:    time.Unix(int64(msg.Date), 0),
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == a.bot.Self.ID {
		ev.IsReplyToBot = true
	}

	for _, e := range entitiesOf(msg) {
		switch e.Type {
		case "mention":
			handle := strings.TrimPrefix(entityText(msg, e), "@")
			if handle != "" {
				ev.MentionedHandles = append(ev.MentionedHandles, handle)
			}
		case "text_mention":
			if e.User != nil && e.User.UserName != "" {
				ev.MentionedHandles = append(ev.MentionedHandles, e.User.UserName)
			}
		}
	}

	if len(msg.Photo) > 0 {
		// Telegram lists sizes ascending; take the largest.
		best := msg.Photo[len(msg.Photo)-1]
		ev.Attachments = append(ev.Attachments, domain.AttachmentRef{
			ID:       best.FileID,
			Kind:     "image",
			MimeType: "image/jpeg",
			SizeHint: int64(best.FileSize),
		})
	}
	if doc := msg.Document; doc != nil {
		kind := "document"
		if strings.HasPrefix(doc.MimeType, "image/") {
			kind = "image"
		}
		ev.Attachments = append(ev.Attachments, domain.AttachmentRef{
			ID:       doc.FileID,
			Kind:     kind,
			MimeType: doc.MimeType,
			SizeHint: int64(doc.FileSize),
		})
	}

	a.logger.Debug("telegram update received",
		"chat", ev.ChatID, "sender", ev.SenderID, "kind", ev.Kind, "text_len", len(ev.Text))
	a.bus.Publish(ev)
}

// Send posts a message, falling back to plain text when the configured parse
// mode rejects the content.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string, opts *domain.SendOptions) (int, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = a.parseMode
	if opts != nil {
		if opts.ReplyTo != 0 {
			msg.ReplyToMessageID = opts.ReplyTo
		}
		if len(opts.Controls) > 0 {
			msg.ReplyMarkup = keyboard(opts.Controls)
		}
	}

	sent, err := a.bot.Send(msg)
	if err != nil && isParseError(err) {
		a.logger.Warn("telegram parse error, retrying as plain text", "chat", chatID, "parseMode", a.parseMode)
		msg.ParseMode = ""
		sent, err = a.bot.Send(msg)
	}
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	return sent.MessageID, nil
}

// Edit replaces a message's text. "Message is not modified" is reported as
// EditUnchanged, not an error.
func (a *Adapter) Edit(ctx context.Context, chatID int64, messageID int, text string) (domain.EditResult, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return domain.EditFailed, err
	}

	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = a.parseMode

	_, err := a.bot.Send(edit)
	if err != nil && isParseError(err) {
		edit.ParseMode = ""
		_, err = a.bot.Send(edit)
	}
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return domain.EditUnchanged, nil
		}
		return domain.EditFailed, fmt.Errorf("telegram edit: %w", err)
	}
	return domain.EditOK, nil
}

// React sets an emoji reaction. The pinned SDK predates setMessageReaction,
// so the call goes through MakeRequest directly. Best effort.
func (a *Adapter) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	if !IsStandardReaction(emoji) {
		return fmt.Errorf("unsupported reaction emoji: %q", emoji)
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
	if err != nil {
		return err
	}
	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.Itoa(messageID),
		"reaction":   string(reaction),
	}
	if _, err := a.bot.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("telegram react: %w", err)
	}
	return nil
}

// Typing shows the "typing…" chat action.
func (a *Adapter) Typing(ctx context.Context, chatID int64) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, err := a.bot.Request(action)
	return err
}

func keyboard(rows []domain.ControlRow) tgbotapi.InlineKeyboardMarkup {
	var kb [][]tgbotapi.InlineKeyboardButton
	for _, row := range rows {
		var btns []tgbotapi.InlineKeyboardButton
		for _, c := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Data))
		}
		if len(btns) > 0 {
			kb = append(kb, btns)
		}
	}
	return tgbotapi.InlineKeyboardMarkup{InlineKeyboard: kb}
}

func chatKind(chat *tgbotapi.Chat) domain.ChatKind {
	switch {
	case chat.IsPrivate():
		return domain.KindDM
	case chat.IsGroup() || chat.IsSuperGroup():
		return domain.KindGroup
	default:
		return domain.KindOther
	}
}

func senderLabel(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

func entitiesOf(msg *tgbotapi.Message) []tgbotapi.MessageEntity {
	if len(msg.Entities) > 0 {
		return msg.Entities
	}
	return msg.CaptionEntities
}

// entityText slices the entity's text out of the message. Telegram entity
// offsets are in UTF-16 code units.
func entityText(msg *tgbotapi.Message, e tgbotapi.MessageEntity) string {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

func isParseError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "can't parse entities")
}
