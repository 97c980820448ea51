// Package notify delivers relayed posts to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/onnwee/post-relay/relay"
)

// MaxMessageLength is Telegram's limit for a text message, in characters.
const MaxMessageLength = 4096

const ellipsis = "…"

// DefaultTimeout bounds a single Bot API request when Config.HTTPClient is unset.
const DefaultTimeout = 30 * time.Second

// Config configures a Telegram notifier.
type Config struct {
	Token string
	// ChatID is a numeric chat id or an @channel username.
	ChatID string
	// APIEndpoint overrides tgbotapi.APIEndpoint, mainly for tests.
	APIEndpoint string
	// HTTPClient should carry a timeout: the Bot API library takes no context,
	// so a request abandoned by ctx keeps running until the client gives up.
	HTTPClient *http.Client
	Logger      *slog.Logger
}

// Telegram is a relay.Notifier backed by the Bot API.
type Telegram struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	channel  string
	logger   *slog.Logger
	linkBase string
}

var _ relay.Notifier = (*Telegram)(nil)

// NewTelegram authenticates the bot (getMe) and returns a notifier for cfg.ChatID.
func NewTelegram(cfg Config) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("notify: telegram token empty")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("notify: chat id empty")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("notify: authenticate bot: %w", err)
	}
	t := &Telegram{
		bot:      bot,
		logger:   cfg.Logger.With(slog.String("component", "notify")),
		linkBase: "https://x.com/",
	}
	chat := strings.TrimSpace(cfg.ChatID)
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		t.chatID = id
	} else {
		if !strings.HasPrefix(chat, "@") {
			chat = "@" + chat
		}
		t.channel = chat
	}
	return t, nil
}

// BotUsername returns the authenticated bot's username.
func (t *Telegram) BotUsername() string { return t.bot.Self.UserName }

func (t *Telegram) message(text string) tgbotapi.MessageConfig {
	if t.channel != "" {
		return tgbotapi.NewMessageToChannel(t.channel, text)
	}
	return tgbotapi.NewMessage(t.chatID, text)
}

// call runs fn and returns early with ctx's error if ctx ends first.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (t *Telegram) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	_, err := call(ctx, func() (tgbotapi.Message, error) { return t.bot.Send(msg) })
	return err
}

// Deliver sends one post. It tries MarkdownV2 with a link to the post and
// falls back to plain text if Telegram rejects the markup. The two sends
// count as a single delivery attempt.
func (t *Telegram) Deliver(ctx context.Context, post relay.Post) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := t.message(FormatMarkdown(post, t.linkBase))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = len(post.Media) == 0
	mdErr := t.send(ctx, msg)
	if mdErr == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("send post %s: %w", post.ID, ctxErr)
	}
	t.logger.Warn("markdown send failed; retrying as plain text",
		slog.String("post_id", post.ID), slog.Any("err", mdErr))

	plain := t.message(FormatPlain(post))
	plain.DisableWebPagePreview = len(post.Media) == 0
	if err := t.send(ctx, plain); err != nil {
		return fmt.Errorf("send post %s: %w", post.ID, errors.Join(mdErr, err))
	}
	return nil
}

// Verify checks that the bot can see the configured chat. It returns when ctx
// ends even if the request is still in flight.
func (t *Telegram) Verify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: t.chatID, SuperGroupUsername: t.channel}}
	chat, err := call(ctx, func() (tgbotapi.Chat, error) { return t.bot.GetChat(cfg) })
	if err != nil {
		return fmt.Errorf("verify chat: %w", err)
	}
	t.logger.Info("channel verified", slog.Int64("chat_id", chat.ID), slog.String("title", chat.Title))
	return nil
}

// FormatMarkdown renders "[author](link): body" plus media URLs, escaped for MarkdownV2.
func FormatMarkdown(p relay.Post, linkBase string) string {
	author := p.Author
	if author == "" {
		author = "post"
	}
	link := linkBase + p.Author + "/status/" + p.ID
	if p.Author == "" {
		link = linkBase + "i/status/" + p.ID
	}
	head := "[" + tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, author) + "](" + escapeLinkURL(link) + ")"
	tail := bodyWithMedia(p.Body, p.Media)
	if tail == "" {
		return head
	}
	escaped := tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, ": "+tail)
	budget := MaxMessageLength - utf8.RuneCountInString(head)
	for utf8.RuneCountInString(escaped) > budget && utf8.RuneCountInString(tail) > 1 {
		over := utf8.RuneCountInString(escaped) - budget
		tail = truncateRunes(tail, max(utf8.RuneCountInString(tail)-over-1, 0))
		escaped = tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, ": "+tail)
	}
	return head + escaped
}

// FormatPlain renders "author: body" plus media URLs without markup.
func FormatPlain(p relay.Post) string {
	text := bodyWithMedia(p.Body, p.Media)
	if p.Author != "" {
		text = p.Author + ": " + text
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		text = truncateRunes(text, MaxMessageLength-1)
	}
	return text
}

func bodyWithMedia(body string, media []string) string {
	if len(media) == 0 {
		return body
	}
	return body + "\n" + strings.Join(media, "\n")
}

// truncateRunes cuts s to n runes and marks the cut with an ellipsis.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + ellipsis
}

// escapeLinkURL escapes the characters MarkdownV2 reserves inside (...) of a link.
func escapeLinkURL(u string) string {
	return strings.NewReplacer(`\`, `\\`, `)`, `\)`).Replace(u)
}
