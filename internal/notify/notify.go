// Package notify delivers short status texts back to the person who issued a command.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/slack-go/slack"
)

// Responder sends one message to the requester of a command.
type Responder interface {
	Respond(ctx context.Context, text string) error
}

// MessagePoster is the subset of *slack.Client used for channel replies.
type MessagePoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// WebhookResponder posts to a slash command's response_url.
type WebhookResponder struct {
	url    string
	client *http.Client
}

func (r *WebhookResponder) Respond(ctx context.Context, text string) error {
	msg := &slack.WebhookMessage{Text: text, ResponseType: "in_channel"}
	if err := slack.PostWebhookCustomHTTPContext(ctx, r.url, r.client, msg); err != nil {
		return fmt.Errorf("post response_url: %w", err)
	}
	return nil
}

// ThreadResponder replies in the thread of the message that mentioned the bot.
type ThreadResponder struct {
	poster   MessagePoster
	channel  string
	threadTS string
}

func (r *ThreadResponder) Respond(ctx context.Context, text string) error {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if r.threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(r.threadTS))
	}
	if _, _, err := r.poster.PostMessageContext(ctx, r.channel, opts...); err != nil {
		return fmt.Errorf("chat.postMessage: %w", err)
	}
	return nil
}

// LogResponder only logs. It stands in when there is no reply channel.
type LogResponder struct {
	logger zerolog.Logger
}

func (r *LogResponder) Respond(_ context.Context, text string) error {
	r.logger.Info().Str("text", text).Msg("response not delivered: no reply channel")
	return nil
}

// Factory builds the responder matching how a command arrived.
type Factory struct {
	httpClient *http.Client
	bot        mo.Option[MessagePoster]
	logger     zerolog.Logger
}

// NewFactory takes the bot client when one is configured.
func NewFactory(bot mo.Option[MessagePoster], timeout time.Duration, logger zerolog.Logger) *Factory {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Factory{
		httpClient: &http.Client{Timeout: timeout},
		bot:        bot,
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

// ForResponseURL answers a slash command.
func (f *Factory) ForResponseURL(url string) Responder {
	if url == "" {
		return &LogResponder{logger: f.logger}
	}
	return &WebhookResponder{url: url, client: f.httpClient}
}

// ForThread answers an event in its channel thread when a bot token is configured.
func (f *Factory) ForThread(channel, threadTS string) Responder {
	poster, ok := f.bot.Get()
	if !ok || channel == "" {
		return &LogResponder{logger: f.logger.With().Str("channel_id", channel).Logger()}
	}
	return &ThreadResponder{poster: poster, channel: channel, threadTS: threadTS}
}
