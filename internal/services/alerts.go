package services

import (
	"context"

	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
)

// Alerter receives operational alerts. internal/notify implements it on Slack.
type Alerter interface {
	Alert(ctx context.Context, title, text string) error
}

func sendAlert(ctx context.Context, a Alerter, title, text string) {
	if a == nil {
		return
	}
	if err := a.Alert(context.WithoutCancel(ctx), title, text); err != nil {
		logger.Warn().Err(err).Str("title", title).Msg("alert not delivered")
	}
}
