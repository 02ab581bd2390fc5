package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"slack-ai-gateway/internal/logging"
	"slack-ai-gateway/internal/models"
	"slack-ai-gateway/internal/orchestrator"
	"slack-ai-gateway/internal/telemetry"
)

const (
	platformSlack     = "slack"
	responseInChannel = "in_channel"
	responseEphemeral = "ephemeral"
	ackText           = "Processing your request..."
	busyText          = "⏳ The gateway is busy right now. Please retry in a few seconds."
)

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+(\|[^>]*)?>`)

type slackResponse struct {
	ResponseType string `json:"response_type"`
	Text         string `json:"text"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := slack.SlashCommandParse(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid command payload"})
		return
	}
	receivedAt := s.now()
	telemetry.CommandsReceived.WithLabelValues(string(models.MessageCommand)).Inc()
	log := s.logger.With().Str("command", cmd.Command).Str("user_id", cmd.UserID).Str("channel_id", cmd.ChannelID).Logger()
	log.Info().Str("text", logging.Truncate(cmd.Text, 80)).Msg("slash command received")

	if s.deps.Limiter != nil {
		decision, err := s.deps.Limiter.Allow(r.Context(), cmd.UserID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("rate limiter unavailable; allowing command")
		case !decision.Allowed:
			telemetry.RateLimitRejects.Inc()
			wait := int(math.Ceil(decision.RetryAfter.Seconds()))
			if wait < 1 {
				wait = 1
			}
			writeJSON(w, http.StatusOK, slackResponse{
				ResponseType: responseEphemeral,
				Text:         fmt.Sprintf("🐢 You're sending commands too quickly. Try again in %ds.", wait),
			})
			return
		}
	}

	if s.saturated() {
		telemetry.BusyRejects.Inc()
		log.Warn().Int("waiting", s.deps.Pool.WaitingQueueSize()).Msg("background pool saturated")
		writeJSON(w, http.StatusOK, slackResponse{ResponseType: responseEphemeral, Text: busyText})
		return
	}

	in := orchestrator.InboundCommand{
		Kind:        models.MessageCommand,
		Command:     cmd.Command,
		Text:        cmd.Text,
		UserID:      cmd.UserID,
		ChannelID:   cmd.ChannelID,
		ResponseURL: cmd.ResponseURL,
		Platform:    platformSlack,
		ReceivedAt:  receivedAt,
	}
	resp := s.deps.Responders.ForResponseURL(cmd.ResponseURL)
	s.submit("slash_command", func(ctx context.Context) {
		if _, err := s.deps.Orchestrator.HandleCommand(ctx, in, resp); err != nil {
			log.Warn().Err(err).Msg("command finished with error")
		}
	})

	writeJSON(w, http.StatusOK, slackResponse{ResponseType: responseInChannel, Text: ackText})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event payload"})
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		s.logger.Debug().Err(err).Msg("unhandled event payload")
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge string
		switch v := event.Data.(type) {
		case *slackevents.EventsAPIURLVerificationEvent:
			challenge = v.Challenge
		case slackevents.EventsAPIURLVerificationEvent:
			challenge = v.Challenge
		}
		if challenge == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "challenge not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	case slackevents.CallbackEvent:
		s.dispatchEvent(event.InnerEvent)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// dispatchEvent hands mentions to the orchestrator and records plain messages.
// Bot-authored events are dropped so the gateway never answers itself.
func (s *Server) dispatchEvent(inner slackevents.EventsAPIInnerEvent) {
	receivedAt := s.now()
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		if ev.BotID != "" || ev.User == "" {
			return
		}
		telemetry.CommandsReceived.WithLabelValues(string(models.MessageMention)).Inc()
		threadTS := ev.ThreadTimeStamp
		if threadTS == "" {
			threadTS = ev.TimeStamp
		}
		in := orchestrator.InboundCommand{
			Kind:       models.MessageMention,
			Text:       stripMentions(ev.Text),
			UserID:     ev.User,
			ChannelID:  ev.Channel,
			ThreadTS:   threadTS,
			Platform:   platformSlack,
			ReceivedAt: receivedAt,
		}
		resp := s.deps.Responders.ForThread(ev.Channel, threadTS)
		s.submit("app_mention", func(ctx context.Context) {
			if _, err := s.deps.Orchestrator.HandleCommand(ctx, in, resp); err != nil {
				s.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("mention finished with error")
			}
		})

	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.SubType != "" || ev.User == "" {
			return
		}
		telemetry.CommandsReceived.WithLabelValues(string(models.MessagePlain)).Inc()
		msg := models.NewInboundMessage(models.MessagePlain, ev.Channel, ev.User, ev.Text, receivedAt)
		s.submit("message", func(ctx context.Context) {
			if err := s.deps.Jobs.SaveMessage(ctx, msg); err != nil {
				s.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to record channel message")
			}
		})

	default:
		s.logger.Debug().Str("event_type", inner.Type).Msg("ignoring event")
	}
}

func stripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}
