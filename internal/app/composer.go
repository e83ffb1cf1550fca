package app

import (
	"strings"

	"meshalert/internal/channel"
	"meshalert/internal/clock"
	"meshalert/internal/crypto"
	"meshalert/internal/domain"
)

// AlertRequest is message production contract accepted by Composer.
type AlertRequest = domain.AlertRequest

// Composer turns alert requests into outbound messages.
// Params: channel registry, content limit, retry budget, and clock.
// Returns: message constructor safe for concurrent use.
type Composer struct {
	channels       *channel.Registry
	maxLen         int
	defaultRetries int
	clock          clock.Clock
}

// NewComposer creates message constructor.
// Params: registry, max content length in bytes (<=0 disables), default retry budget, and clock.
// Returns: composer.
func NewComposer(channels *channel.Registry, maxLen, defaultRetries int, clk clock.Clock) *Composer {
	if defaultRetries < 0 {
		defaultRetries = domain.DefaultMaxRetries
	}
	return &Composer{
		channels:       channels,
		maxLen:         maxLen,
		defaultRetries: defaultRetries,
		clock:          clock.OrReal(clk),
	}
}

// Compose validates request, resolves channel, truncates and encrypts content.
// Params: alert request; empty channel selects registry default.
// Returns: message ready for queueing or validation/encryption error.
func (c *Composer) Compose(req AlertRequest) (*domain.Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch, err := c.resolveChannel(req.Channel)
	if err != nil {
		return nil, err
	}
	if !ch.Uplink {
		return nil, domain.Errorf(domain.KindValidation, "compose", "channel %q has uplink disabled", ch.Name)
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	content := domain.Truncate(strings.TrimSpace(req.Content), c.maxLen)
	if content == "" {
		return nil, domain.Errorf(domain.KindValidation, "compose", "content does not fit max message length %d bytes", c.maxLen)
	}
	encrypted := false
	if ch.Encrypted() {
		sealed, err := crypto.EncryptString(content, ch.PSK)
		if err != nil {
			return nil, err
		}
		content = sealed
		encrypted = true
	}

	retries := c.defaultRetries
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	msg, err := domain.NewMessage(content, ch.Name, priority,
		domain.WithMaxRetries(retries),
		domain.WithMetadata(req.AlertMetadata()),
		domain.WithCreatedAt(c.clock.Now()),
	)
	if err != nil {
		return nil, err
	}
	msg.Encrypted = encrypted
	return msg, nil
}

func (c *Composer) resolveChannel(name string) (channel.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return c.channels.Default()
	}
	ch, ok := c.channels.Lookup(name)
	if !ok {
		return channel.Channel{}, domain.Errorf(domain.KindValidation, "compose", "unknown channel %q", name)
	}
	return ch, nil
}
