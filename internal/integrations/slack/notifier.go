// Package slackbot posts pipeline run summaries to a Slack channel.
package slackbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"

	"civicreg/internal/ingest"
)

var ErrNotConfigured = errors.New("slack bot token and channel are required")

type Notifier struct {
	api     *slack.Client
	channel string
	log     *slog.Logger
}

// New returns a notifier for channel, which may be an ID or a channel name
// with or without the leading '#'.
func New(token, channel string, log *slog.Logger, opts ...slack.Option) (*Notifier, error) {
	token = strings.TrimSpace(token)
	channel = strings.TrimSpace(channel)
	if token == "" || channel == "" {
		return nil, ErrNotConfigured
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		api:     slack.New(token, opts...),
		channel: channel,
		log:     log.With("component", "slack"),
	}, nil
}

// NotifyRun implements ingest.Notifier.
func (n *Notifier) NotifyRun(ctx context.Context, summary ingest.RunSummary) error {
	return n.Post(ctx, ingest.FormatRunSummary(summary))
}

func (n *Notifier) Post(ctx context.Context, text string) error {
	channelID, err := resolveChannelID(ctx, n.api, n.channel)
	if err != nil {
		return fmt.Errorf("resolve channel %q: %w", n.channel, err)
	}
	_, ts, err := n.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		n.log.Warn("slack.post_failed", "channel", channelID, "error", err)
		return fmt.Errorf("post message: %w", err)
	}
	n.log.Info("slack.posted", "channel", channelID, "ts", ts)
	return nil
}
