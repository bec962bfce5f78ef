// Package notify delivers operational alerts to Slack.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const sendTimeout = 10 * time.Second

// maxTextLen keeps attachment text under Slack's block limit.
const maxTextLen = 3000

// Slack posts alerts through an incoming webhook, or through the Web API
// when a bot token is configured.
type Slack struct {
	webhookURL string
	channel    string
	client     *slack.Client
	log        zerolog.Logger
}

// New returns nil when neither a webhook nor a bot token is configured.
// opts are passed to the Web API client.
func New(cfg *config.NotifyConfig, opts ...slack.Option) *Slack {
	if cfg == nil || (cfg.SlackWebhookURL == "" && cfg.SlackBotToken == "") {
		return nil
	}
	s := &Slack{
		webhookURL: cfg.SlackWebhookURL,
		channel:    cfg.SlackChannel,
		log:        logger.Component("notify"),
	}
	if cfg.SlackBotToken != "" {
		s.client = slack.New(cfg.SlackBotToken, opts...)
	}
	return s
}

// Alert sends one message. The bot client wins when both transports are set.
func (s *Slack) Alert(ctx context.Context, title, text string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if len(text) > maxTextLen {
		text = text[:maxTextLen] + "..."
	}
	att := slack.Attachment{
		Color:    "danger",
		Title:    title,
		Text:     text,
		Footer:   "efsilonquest",
		Ts:       json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
		Fallback: title,
	}

	var err error
	if s.client != nil {
		_, _, err = s.client.PostMessageContext(ctx, s.channel,
			slack.MsgOptionText(fmt.Sprintf("*%s*", title), false),
			slack.MsgOptionAttachments(att),
		)
	} else {
		err = slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
			Text:        fmt.Sprintf("*%s*", title),
			Attachments: []slack.Attachment{att},
		})
	}
	if err != nil {
		s.log.Warn().Err(err).Str("title", title).Msg("slack alert failed")
		return fmt.Errorf("slack alert: %w", err)
	}
	s.log.Debug().Str("title", title).Msg("slack alert sent")
	return nil
}
