// Package notifications delivers operational alerts to Slack. Alerts are
// best effort: delivery failures are logged and never affect job processing.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackAlerter posts operational alerts to a single ops channel using a bot
// token. A nil or unconfigured alerter drops every message silently, so
// callers never need to guard their notify calls.
type SlackAlerter struct {
	client  *slack.Client
	channel string
}

// NewSlackAlerter creates an alerter from a bot token and channel ID.
// Returns a disabled alerter when either is empty.
func NewSlackAlerter(token, channel string) *SlackAlerter {
	if token == "" || channel == "" {
		log.Debug().Msg("Slack alerting not configured, alerts disabled")
		return &SlackAlerter{}
	}

	return &SlackAlerter{
		client:  slack.New(token),
		channel: channel,
	}
}

// Enabled reports whether alerts will actually be delivered
func (a *SlackAlerter) Enabled() bool {
	return a != nil && a.client != nil
}

// NotifyStuckJobs posts a summary after a stuck-job sweep reconciled work
func (a *SlackAlerter) NotifyStuckJobs(ctx context.Context, healed, permanentlyFailed int) {
	title := ":wrench: Stuck jobs reconciled"
	body := fmt.Sprintf("Requeued *%d* job(s) for retry, failed *%d* permanently.", healed, permanentlyFailed)
	if permanentlyFailed > 0 {
		title = ":rotating_light: Stuck jobs reconciled, some permanently failed"
	}

	a.post(ctx, title, body)
}

// NotifyPauseChanged posts when the platform-wide pause flag flips
func (a *SlackAlerter) NotifyPauseChanged(ctx context.Context, paused bool, actor, reason string) {
	if paused {
		a.post(ctx, ":octagonal_sign: Platform paused",
			fmt.Sprintf("Paused by *%s*: %s", actor, reason))
		return
	}
	a.post(ctx, ":arrow_forward: Platform resumed", fmt.Sprintf("Resumed by *%s*.", actor))
}

func (a *SlackAlerter) post(ctx context.Context, title, body string) {
	if !a.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*%s*", title), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", body, false, false),
			nil, nil,
		),
	}

	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fmt.Sprintf("%s: %s", title, body), false),
	)
	if err != nil {
		log.Warn().Err(err).Str("channel", a.channel).Msg("Failed to deliver Slack alert")
	}
}
