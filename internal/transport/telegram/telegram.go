// Package telegram relays mesh alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/templatefmt"
	"meshalert/internal/transport"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TypeID is Telegram link kind.
const TypeID = "telegram"

// ErrNotConnected is returned by Send before Connect succeeds.
var ErrNotConnected = errors.New("telegram link is not connected")

// Options configures Telegram link.
// Params: bot token, chat ID, API base URL, message template, and node name.
// Returns: telegram settings.
type Options struct {
	BotToken string
	ChatID   string
	APIBase  string
	Template string
	Node     string
}

// Transport sends rendered alerts through Telegram Bot API.
// Params: options and clock.
// Returns: transport.Transport implementation.
type Transport struct {
	id      string
	opts    Options
	chatID  any
	tmpl    *template.Template
	clock   clock.Clock
	tracker *transport.Tracker

	mu     sync.RWMutex
	client *tgbot.Bot
}

// New creates Telegram link.
// Params: id, options, and optional clock.
// Returns: disconnected link or template parse error.
func New(id string, opts Options, clk clock.Clock) (*Transport, error) {
	tmpl, err := templatefmt.ParseMessageTemplate(id, opts.Template)
	if err != nil {
		return nil, fmt.Errorf("parse telegram template: %w", err)
	}
	clk = clock.OrReal(clk)
	return &Transport{
		id:      id,
		opts:    opts,
		chatID:  normalizeChatID(opts.ChatID),
		tmpl:    tmpl,
		clock:   clk,
		tracker: transport.NewTracker(TypeID, clk),
	}, nil
}

// ID returns transport id.
func (t *Transport) ID() string { return t.id }

// TypeID returns Telegram kind.
func (t *Transport) TypeID() string { return TypeID }

// Connect builds bot client and verifies token with getMe.
// Params: context bounding getMe call.
// Returns: ErrConnection-kind error when token is missing or rejected.
func (t *Transport) Connect(ctx context.Context) error {
	t.tracker.Connecting()
	if strings.TrimSpace(t.opts.BotToken) == "" {
		err := errors.New("telegram bot token is required")
		t.tracker.Failed(err)
		return domain.Wrap(domain.KindConnection, "connect "+t.id, err)
	}
	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(t.opts.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	client, err := tgbot.New(t.opts.BotToken, options...)
	if err != nil {
		t.tracker.Failed(err)
		return domain.Wrap(domain.KindConnection, "connect "+t.id, fmt.Errorf("init telegram bot: %w", err))
	}
	if _, err := client.GetMe(ctx); err != nil {
		t.tracker.Failed(err)
		return domain.Wrap(domain.KindConnection, "connect "+t.id, fmt.Errorf("telegram getMe: %w", err))
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.tracker.Connected()
	return nil
}

// Disconnect drops bot client.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.client = nil
	t.mu.Unlock()
	t.tracker.Disconnected()
	return nil
}

// Send renders template and posts message to configured chat.
// Params: context, content, and channel.
// Returns: render or Bot API error.
func (t *Transport) Send(ctx context.Context, content, channel string) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil {
		t.tracker.RecordSend(ErrNotConnected)
		return ErrNotConnected
	}
	text, err := templatefmt.Render(t.tmpl, templatefmt.MessageView{
		MessageID: transport.MessageIDFrom(ctx),
		Node:      t.opts.Node,
		Channel:   channel,
		Content:   content,
		SentAt:    t.clock.Now(),
	})
	if err != nil {
		t.tracker.RecordSend(err)
		return err
	}
	sent, err := client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err == nil && (sent == nil || sent.ID <= 0) {
		err = errors.New("telegram send returned empty message id")
	}
	t.tracker.RecordSend(err)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// IsConnected reports connected state.
func (t *Transport) IsConnected() bool { return t.tracker.IsConnected() }

// Status returns tracker snapshot.
func (t *Transport) Status() transport.Status { return t.tracker.Status() }

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
