// Package discord adapts Discord to the transport and event contracts.
// Delivery is batch-only: Discord rate limits make live message editing a
// poor fit, so the relay is configured without streaming here.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

// MessageLimit is Discord's per-message character cap.
const MessageLimit = 2000

// Adapter connects one bot account.
type Adapter struct {
	session *discordgo.Session
	bus     *bus.Bus
	guildID string
	logger  *slog.Logger
}

type Config struct {
	Token   string
	GuildID string // optional: restrict to one guild
	Logger  *slog.Logger
}

func New(cfg Config, b *bus.Bus) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		session: session,
		bus:     b,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}, nil
}

func (a *Adapter) Name() string { return "discord" }

// BotHandle returns the bot's username, for group mention gating.
func (a *Adapter) BotHandle() string {
	if a.session.State != nil && a.session.State.User != nil {
		return a.session.State.User.Username
	}
	return ""
}

// Start opens the gateway connection and publishes normalized events until
// ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	a.session.AddHandler(a.onMessage)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	a.logger.Info("discord connected", "username", a.BotHandle())

	<-ctx.Done()
	a.logger.Info("discord adapter stopping")
	return a.session.Close()
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if a.guildID != "" && m.GuildID != "" && m.GuildID != a.guildID {
		return
	}

	chatID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		a.logger.Warn("unparseable discord channel id", "channel", m.ChannelID)
		return
	}
	msgID, _ := strconv.Atoi(m.ID)

	kind := domain.KindGroup
	if m.GuildID == "" {
		kind = domain.KindDM
	}

	ev := domain.InboundEvent{
		Transport:    "discord",
		SenderID:     m.Author.ID,
		SenderHandle: m.Author.Username,
		SenderLabel:  senderLabel(m),
		ChatID:       chatID,
		Kind:         kind,
		MessageID:    msgID,
		Text:         m.Content,
		Timestamp:    time.Now(),
	}

	for _, u := range m.Mentions {
		ev.MentionedHandles = append(ev.MentionedHandles, u.Username)
	}
	// Discord mentions arrive as <@id> tokens, not "@name" text; rewrite the
	// bot's own token so downstream mention stripping works on handles.
	if s.State != nil && s.State.User != nil {
		for _, tok := range []string{"<@" + s.State.User.ID + ">", "<@!" + s.State.User.ID + ">"} {
			ev.Text = strings.ReplaceAll(ev.Text, tok, "@"+s.State.User.Username)
		}
	}
	if ref := m.ReferencedMessage; ref != nil && ref.Author != nil &&
		s.State != nil && s.State.User != nil && ref.Author.ID == s.State.User.ID {
		ev.IsReplyToBot = true
	}

	for _, att := range m.Attachments {
		kind := "document"
		if strings.HasPrefix(att.ContentType, "image/") {
			kind = "image"
		}
		// The URL doubles as the file identifier; the resolver fetches it
		// directly.
		ev.Attachments = append(ev.Attachments, domain.AttachmentRef{
			ID:       att.URL,
			Kind:     kind,
			MimeType: att.ContentType,
			SizeHint: int64(att.Size),
		})
	}

	a.bus.Publish(ev)
}

// Send posts a message.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string, opts *domain.SendOptions) (int, error) {
	channelID := strconv.FormatInt(chatID, 10)
	msg := &discordgo.MessageSend{Content: text}
	if opts != nil {
		if opts.ReplyTo != 0 {
			msg.Reference = &discordgo.MessageReference{
				MessageID: strconv.Itoa(opts.ReplyTo),
				ChannelID: channelID,
			}
		}
		if len(opts.Controls) > 0 {
			msg.Components = components(opts.Controls)
		}
	}
	sent, err := a.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx))
	if err != nil {
		return 0, fmt.Errorf("discord send: %w", err)
	}
	id, _ := strconv.Atoi(sent.ID)
	return id, nil
}

// Edit replaces a message's content.
func (a *Adapter) Edit(ctx context.Context, chatID int64, messageID int, text string) (domain.EditResult, error) {
	_, err := a.session.ChannelMessageEdit(
		strconv.FormatInt(chatID, 10), strconv.Itoa(messageID), text,
		discordgo.WithContext(ctx))
	if err != nil {
		return domain.EditFailed, fmt.Errorf("discord edit: %w", err)
	}
	return domain.EditOK, nil
}

// React adds an emoji reaction.
func (a *Adapter) React(ctx context.Context, chatID int64, messageID int, emoji string) error {
	err := a.session.MessageReactionAdd(
		strconv.FormatInt(chatID, 10), strconv.Itoa(messageID), emoji,
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord react: %w", err)
	}
	return nil
}

// Typing shows the typing indicator.
func (a *Adapter) Typing(ctx context.Context, chatID int64) error {
	return a.session.ChannelTyping(strconv.FormatInt(chatID, 10), discordgo.WithContext(ctx))
}

func components(rows []domain.ControlRow) []discordgo.MessageComponent {
	var out []discordgo.MessageComponent
	for _, row := range rows {
		var btns []discordgo.MessageComponent
		for _, c := range row {
			btns = append(btns, discordgo.Button{
				Label:    c.Label,
				Style:    discordgo.SecondaryButton,
				CustomID: c.Data,
			})
		}
		if len(btns) > 0 {
			out = append(out, discordgo.ActionsRow{Components: btns})
		}
	}
	return out
}

func senderLabel(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
